package daemon

import (
	"fmt"
	"math"

	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdStatus, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})

	d.server.Handle(uds.CmdEnqueue, d.handleEnqueue)
	d.server.Handle(uds.CmdVisit, d.handleVisit)

	d.server.Handle(uds.CmdPause, func(req *uds.Request) *uds.Response {
		d.queue.Pause()
		d.log.Infof("queue paused via UDS")
		return uds.SuccessResponse(d.queue.Status())
	})

	d.server.Handle(uds.CmdResume, func(req *uds.Request) *uds.Response {
		if d.shuttingDown() {
			return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
		}
		d.queue.Resume()
		d.log.Infof("queue resumed via UDS")
		return uds.SuccessResponse(d.queue.Status())
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) shuttingDown() bool {
	select {
	case <-d.ctx.Done():
		return true
	default:
		return false
	}
}

// handleEnqueue offers a chunk directly to the queue. Unlike visit it does not
// consult the tokenized registry, so a chunk can be committed again on request.
func (d *Daemon) handleEnqueue(req *uds.Request) *uds.Response {
	if d.shuttingDown() {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	var params uds.EnqueueParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	key := model.ChunkKey{X: params.X, Z: params.Z}
	ok := d.queue.TryEnqueue(key.X, key.Z)
	d.log.Debugf("enqueue chunk=%s enqueued=%t", key, ok)
	return uds.SuccessResponse(uds.EnqueueResult{Chunk: key.String(), Enqueued: ok})
}

func (d *Daemon) handleVisit(req *uds.Request) *uds.Response {
	if d.shuttingDown() {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	var params uds.VisitParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !inWorld(params.X) || !inWorld(params.Z) {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("visit: position %v,%v is outside the world", params.X, params.Z))
	}

	key, ok := d.tracker.Visit(params.X, params.Z)
	return uds.SuccessResponse(uds.EnqueueResult{Chunk: key.String(), Enqueued: ok})
}

const maxWorldCoord = 1 << 40

func inWorld(f float64) bool {
	return !math.IsNaN(f) && math.Abs(f) <= maxWorldCoord
}
