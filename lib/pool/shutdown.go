package pool

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
)

// CheckpointResult is the outcome reported by a RESTART checkpoint.
type CheckpointResult struct {
	// Busy is non-zero when the checkpoint could not complete because
	// another connection held a lock.
	Busy int
	// LogFrames is the number of frames in the write-ahead log.
	LogFrames int
	// CheckpointedFrames is the number of frames copied into the store.
	CheckpointedFrames int
}

// ShutdownReport summarises what Shutdown reclaimed.
type ShutdownReport struct {
	Checkpointed bool
	Closed       int
	CloseErrors  int
	// Outstanding counts connections still checked out when the free list
	// was drained. They are not closed.
	Outstanding int
}

// CheckpointWAL merges the write-ahead log into the main store using a
// connection borrowed through the normal acquire path. It is a no-op when
// the pool is not in WAL mode. Failures are logged and reported as ok=false,
// never returned.
func (p *Pool[S]) CheckpointWAL(ctx context.Context) (res CheckpointResult, ok bool) {
	if !p.config.WAL {
		return CheckpointResult{}, false
	}

	lease, err := p.acquire(ctx, p.config.CheckpointTimeout)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %w", apperrors.ErrCheckpoint, err)).Warn("no connection available for WAL checkpoint")
		return CheckpointResult{}, false
	}
	defer lease.Release()

	s := lease.Session()
	res, err = s.Checkpoint(ctx)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %w", apperrors.ErrCheckpoint, err)).Warn("WAL checkpoint failed")
		return res, false
	}
	if err := s.Commit(ctx); err != nil {
		log.WithError(err).Debug("commit after checkpoint")
	}

	log.WithField("busy", res.Busy).WithField("log", res.LogFrames).WithField("checkpointed", res.CheckpointedFrames).Debug("WAL checkpoint complete")
	return res, true
}

// Shutdown closes every connection on the free list. In WAL mode it first
// runs a final checkpoint and waits SettleDelay. Connections still checked
// out are not force-closed; a later Release closes them instead of parking
// them. Calling Shutdown again closes nothing and does not fail.
func (p *Pool[S]) Shutdown(ctx context.Context) ShutdownReport {
	if ctx == nil {
		ctx = context.Background()
	}
	var report ShutdownReport

	p.mu.Lock()
	alreadyClosed := p.closed
	p.mu.Unlock()

	if !alreadyClosed && p.config.WAL {
		log.Debug("performing final WAL checkpoint")
		_, report.Checkpointed = p.CheckpointWAL(ctx)
		if p.config.SettleDelay > 0 {
			select {
			case <-time.After(p.config.SettleDelay):
			case <-ctx.Done():
			}
		}
	}

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	var drained []*entry[S]
	for {
		select {
		case e := <-p.free:
			drained = append(drained, e)
			p.idle--
			continue
		default:
		}
		break
	}
	report.Outstanding = len(p.checkedOut)
	p.mu.Unlock()

	for _, e := range drained {
		// Nothing pending is the common case; a failed commit must not
		// stop the connection from being closed.
		if err := e.session.Commit(ctx); err != nil {
			log.WithError(err).WithField("connection", e.id).Debug("commit before close")
		}
		if err := p.closeSession(e); err != nil {
			report.CloseErrors++
			continue
		}
		report.Closed++
	}

	if report.Outstanding > 0 {
		log.WithField("outstanding", report.Outstanding).Warn("connections still checked out at shutdown")
	}
	PoolConnectionsAvailable.Set(0)
	log.WithField("closed", report.Closed).WithField("closeErrors", report.CloseErrors).Info("pool shut down")
	return report
}

// Closed reports whether Shutdown has run.
func (p *Pool[S]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
