package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/cmdbus/command"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/retry"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// echo 是随服务一起部署的演示命令：v2 为当前版本，v1 接收副本。
const (
	echoTopic   = "echo"
	echoVersion = 2
)

// EchoCommand 演示命令的消息体。
type EchoCommand struct {
	Message string `json:"message"`
}

func echoHandler[Tx any](logger *logging.Logger) command.BusinessFunc[Tx] {
	return func(ctx context.Context, records []command.Record, _ Tx) error {
		for _, r := range records {
			var cmd EchoCommand
			if err := json.Unmarshal(r.Value, &cmd); err != nil {
				return xerrors.Wrap(err, xerrors.ErrHandler, "invalid echo command").
					WithContext("key", string(r.Key))
			}
			logger.InfoContext(ctx, "echo",
				"channel", r.Topic, "key", string(r.Key), "replica", r.IsReplica(), "message", cmd.Message)
		}
		return nil
	}
}

type sendResponse struct {
	Offset int64  `json:"offset"`
	Error  string `json:"error,omitempty"`
}

type sendFunc func(ctx context.Context, payload any, replicaVersions ...int) (int64, error)

// retrying 让每次请求在同一幂等键下按 policy 重试。
func retrying(sender *command.Sender, policy retry.Config) sendFunc {
	return func(ctx context.Context, payload any, replicaVersions ...int) (int64, error) {
		return sender.SendWithRetry(ctx, payload, policy, replicaVersions...)
	}
}

type sendQuery struct {
	Replicas []int `form:"replica"`
}

// sendHandler 接收 POST /commands?replica=1 形式的请求并发送演示命令。
func sendHandler(send sendFunc, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q sendQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, sendResponse{Error: "replica must be an integer"})
			return
		}

		var cmd EchoCommand
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, sendResponse{Error: err.Error()})
			return
		}

		offset, err := send(c.Request.Context(), cmd, q.Replicas...)
		if err != nil {
			logger.ErrorContext(c.Request.Context(), "echo send failed", "error", err)
			c.JSON(http.StatusBadGateway, sendResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, sendResponse{Offset: offset})
	}
}
