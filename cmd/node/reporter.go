package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
)

// Reporter timing defaults. The heartbeat interval stays well below the
// registry's ten second silence threshold.
const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultRetryInterval     = 400 * time.Millisecond
)

// reporter registers this node with a federation member and keeps it ACTIVE
// with periodic heartbeats. Followers in the federation redirect both calls
// to their leader; the HTTP client follows the redirect.
type reporter struct {
	federation string
	self       cluster.NodeInfo
	client     *cluster.Client
	clock      clock.Clock
	logger     *zap.Logger

	heartbeatInterval time.Duration
	retryInterval     time.Duration
}

func newReporter(federation string, self cluster.NodeInfo, client *cluster.Client, logger *zap.Logger) *reporter {
	return &reporter{
		federation:        cluster.NormalizeURL(federation),
		self:              self,
		client:            client,
		clock:             clock.New(),
		logger:            logger.With(zap.String("service", "federation-reporter")),
		heartbeatInterval: defaultHeartbeatInterval,
		retryInterval:     defaultRetryInterval,
	}
}

// Run registers, then heartbeats until ctx is cancelled. A heartbeat the
// registry does not recognise triggers a fresh registration. Run only
// returns nil.
func (r *reporter) Run(ctx context.Context) error {
	registered := false
	for {
		var err error
		wait := r.heartbeatInterval
		if !registered {
			if err = r.register(ctx); err == nil {
				registered = true
				r.logger.Info("Registered with federation", zap.String("federation", r.federation))
			} else {
				wait = r.retryInterval
				r.logger.Debug("Federation registration failed", zap.Error(err))
			}
		} else if err = r.heartbeat(ctx); err != nil {
			var statusErr *cluster.StatusError
			if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
				r.logger.Warn("Federation forgot this node, registering again")
				registered = false
				wait = 0
			} else {
				r.logger.Debug("Federation heartbeat failed", zap.Error(err))
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if wait == 0 {
			continue
		}
		timer := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *reporter) register(ctx context.Context) error {
	return r.client.PostJSON(ctx, r.federation+"/federated/register", r.self, nil)
}

func (r *reporter) heartbeat(ctx context.Context) error {
	target := r.federation + "/federated/heartbeat?nodeId=" + url.QueryEscape(r.self.ID)
	return r.client.PostJSON(ctx, target, struct{}{}, nil)
}
