package stage

import (
	"context"
	"errors"

	"github.com/user/prowl/internal/harvest"
	"github.com/user/prowl/internal/model"
)

// HarvestRunner retrieves files from one target.
type HarvestRunner interface {
	Run(ctx context.Context, target *model.Target, creds []model.Credential, networkID string) (*harvest.Result, error)
}

// Harvest retrieves files using the session credentials.
type Harvest struct {
	Harvester HarvestRunner
}

// Name implements Executor.
func (h *Harvest) Name() model.StageName { return model.StageHarvest }

// Execute implements Executor.
func (h *Harvest) Execute(ctx context.Context, target *model.Target, env Env) Result {
	if len(env.Credentials) == 0 {
		return Skipped("no credentials configured")
	}

	res, err := h.Harvester.Run(ctx, target, env.Credentials, env.NetworkID)
	var payload *model.HarvestPayload
	if res != nil {
		payload = res.Payload
	}
	if payload == nil {
		payload = &model.HarvestPayload{}
	}

	switch {
	case errors.Is(err, harvest.ErrNoTransport):
		return Skipped(err.Error())
	case ctx.Err() != nil:
		return Interrupted(ctx, payload, nil)
	case errors.Is(err, harvest.ErrAuthFailed):
		return Failed(payload, "%v (%d tried)", err, len(payload.Tried))
	case err != nil:
		return Failed(payload, "harvest: %v", err)
	}

	if res.Partial {
		return Result{Status: model.StatusSucceeded, Partial: true, Payload: payload}
	}
	return Succeeded(payload, nil)
}
