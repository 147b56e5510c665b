package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/store"
)

// poller refreshes the unit every interval and persists each new snapshot.
type poller struct {
	ctrl     *controller.Controller
	db       store.Store
	interval time.Duration
	logger   *slog.Logger

	lastSaved time.Time
	haveInfo  bool
}

func newPoller(ctrl *controller.Controller, db store.Store, interval time.Duration, logger *slog.Logger) *poller {
	return &poller{
		ctrl:     ctrl,
		db:       db,
		interval: interval,
		logger:   logger.With("component", "poller"),
	}
}

// seed loads the last known status and device info into the controller.
func (p *poller) seed() {
	addr := p.ctrl.Address()
	if st, err := p.db.GetStatus(addr); err == nil {
		p.ctrl.SetStatus(*st)
		p.lastSaved = st.UpdatedAt
		p.logger.Info("restored last status", "updated_at", st.UpdatedAt)
	} else if !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("load status", "err", err)
	}
	if info, err := p.db.GetInfo(addr); err == nil {
		p.ctrl.SetInfo(info)
		p.haveInfo = true
	} else if !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("load device info", "err", err)
	}
}

// Run polls until ctx is cancelled.
func (p *poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	st, err := p.ctrl.Refresh(pctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := controller.Classify(err)
		p.logger.Warn("refresh failed", "err", err, "kind", kind)
		if kind == controller.KindUnreachable {
			// drop the link so the next tick rediscovers the unit
			p.ctrl.Stop()
		}
	}
	// a failed refresh returns the previous snapshot unchanged
	if st.Empty() || !st.UpdatedAt.After(p.lastSaved) {
		return
	}
	if err := p.db.SaveStatus(st); err != nil {
		p.logger.Error("save status", "err", err)
	}
	if err := p.db.AppendHistory(st); err != nil {
		p.logger.Error("append history", "err", err)
	}
	p.lastSaved = st.UpdatedAt

	if !p.haveInfo {
		info, err := p.ctrl.ReadInfo(pctx)
		if err != nil {
			p.logger.Warn("read device info", "err", err)
			return
		}
		if err := p.db.SaveInfo(p.ctrl.Address(), info); err != nil {
			p.logger.Error("save device info", "err", err)
			return
		}
		p.haveInfo = true
	}
}
