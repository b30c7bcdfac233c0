package handler

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/internal/scheduler"
	"github.com/watchingthewheelsgo/xbot/internal/service"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("actionkind", func(fl validator.FieldLevel) bool {
			return model.ActionKind(fl.Field().String()).Valid()
		})
	}
}

// Handler 管理接口处理器
type Handler struct {
	actions repository.ActionRepository
	queue   *service.Queue
	sched   *scheduler.Scheduler
}

func New(actions repository.ActionRepository, queue *service.Queue, sched *scheduler.Scheduler) *Handler {
	return &Handler{actions: actions, queue: queue, sched: sched}
}
