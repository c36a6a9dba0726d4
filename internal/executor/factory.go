package executor

import (
	"context"
	"path"
	"time"

	"agentarena/internal/bundle"
	"agentarena/internal/match"
	"agentarena/internal/sandbox/agent"
	"agentarena/internal/sandbox/backend"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

// BundleFetcher returns a verified local copy of a bundle.
type BundleFetcher interface {
	Fetch(ctx context.Context, ref bundle.Ref) (*bundle.Bundle, error)
}

// agentFactory brings up the agents of one match: fetch the bundle, spawn a
// sandbox, upload the bundle into it.
type agentFactory struct {
	svc *Service
	req MatchRequest
}

func (f *agentFactory) SpawnAgent(ctx context.Context, index int, agentID string) (match.Agent, error) {
	if index < 0 || index >= len(f.req.Agents) {
		return nil, appErr.Newf(appErr.AgentIndexInvalid, "agent index %d out of range", index)
	}
	spec := f.req.Agents[index]

	fetchStart := time.Now()
	b, err := f.svc.fetcher.Fetch(ctx, spec.Ref)
	f.svc.metrics.ObserveBundleFetch(ctx, err == nil, time.Since(fetchStart))
	if err != nil {
		return nil, err
	}

	spawnStart := time.Now()
	backendName := f.svc.backend.Name()
	m, err := agent.Spawn(ctx, f.svc.backend, f.spawnRequest(), f.svc.agentOpts)
	if err != nil {
		f.svc.metrics.ObserveSpawn(ctx, backendName, false, time.Since(spawnStart))
		return nil, err
	}

	file, err := b.Open()
	if err != nil {
		_, _ = m.Shutdown(ctx)
		f.svc.metrics.ObserveSpawn(ctx, backendName, false, time.Since(spawnStart))
		return nil, appErr.Wrapf(err, appErr.AgentUploadFailed, "open bundle %s failed", b.Path)
	}
	defer file.Close()

	if err := m.Upload(ctx, path.Base(spec.Key), file, b.Size); err != nil {
		f.svc.metrics.ObserveSpawn(ctx, backendName, false, time.Since(spawnStart))
		return nil, err
	}
	f.svc.metrics.ObserveSpawn(ctx, backendName, true, time.Since(spawnStart))
	logger.Debug(ctx, "agent ready",
		zap.Int("agent", index),
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", m.ID()),
		zap.String("bundle_sha256", b.SHA256))
	return m, nil
}

func (f *agentFactory) spawnRequest() backend.SpawnRequest {
	ram := f.svc.ramBudgetMB
	if f.req.RAMBudgetMB > 0 {
		ram = f.req.RAMBudgetMB
	}
	return backend.SpawnRequest{
		WorkDir:     f.svc.workDir,
		RAMBudgetMB: ram,
		Mounts:      f.svc.mounts,
		SwapPath:    f.svc.swapPath,
	}
}
