package tpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dynamic-entropy/xrdtpc/internal/metrics"
	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
	"github.com/dynamic-entropy/xrdtpc/pkg/logger"
)

// runWorker is a Worker's main loop (spec.md §4.3). It owns exactly one
// transfer-engine multi-handle for its whole lifetime, pulling Requests
// from its Queue until idle for longer than the configured timeout.
func (q *Queue) runWorker(w *tpcWorker) {
	mgr := q.manager

	defer func() {
		q.Done(w)
		mgr.releaseGlobalSlot(w.sem)
	}()

	multi, err := mgr.engine.NewMulti()
	if err != nil {
		logger.Error("tpc: worker for label=%s failed to create transfer-engine multi-handle; exiting: %v", q.label, err)
		return
	}
	defer multi.Free()

	logger.Info("tpc: worker for label=%s starting", q.label)

	for {
		req, ok := q.TryConsume(w)
		if !ok {
			req, ok = q.ConsumeUntil(mgr.getIdleTimeout(), w)
			if !ok {
				break
			}
		}

		fatal := runTransfer(multi, req)
		q.finishCurrent(w)
		if fatal {
			logger.Error("tpc: worker for label=%s hit an unrecoverable transfer-engine error; exiting", q.label)
			return
		}
	}

	logger.Info("tpc: worker for label=%s exiting (idle timeout or shutdown)", q.label)
}

// runTransfer drives a single Request to completion against multi,
// implementing the RunTransfer state machine of spec.md §4.3. It returns
// true only when the multi-handle itself is reported unrecoverable
// (transfer.ErrMultiCorrupted); any other failure is surfaced on req and
// the Worker continues serving its Queue.
func runTransfer(multi transfer.Multi, req *Request) (fatal bool) {
	if err := multi.Add(req.Handle()); err != nil {
		req.SetDone(500, fmt.Sprintf("Failed to add transfer to engine multi-handle: %v", err))
		metrics.TPCTransfersFailed.Inc()
		return false
	}
	req.SetProgress(0)

	var (
		resultCaptured bool
		resultCode     int
	)

	for {
		if req.CancelRequested() {
			multi.Remove(req.Handle())
			req.SetDone(499, "cancelled")
			metrics.TPCTransfersFailed.Inc()
			return false
		}

		running, err := multi.Perform()
		if err != nil {
			req.SetDone(500, fmt.Sprintf("Internal transfer-engine error: %v", err))
			multi.Remove(req.Handle())
			metrics.TPCTransfersFailed.Inc()
			return errors.Is(err, transfer.ErrMultiCorrupted)
		}

		for {
			handle, code, done, ok := multi.InfoRead()
			if !ok {
				break
			}
			if done && handle == req.Handle() {
				resultCode = code
				resultCaptured = true
				multi.Remove(req.Handle())
			}
		}
		if resultCaptured {
			break
		}

		if running == 0 {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		waitErr := multi.Wait(ctx)
		cancel()
		if waitErr != nil {
			break
		}
	}

	if !resultCaptured {
		multi.Remove(req.Handle())
		req.SetDone(500, "no transfer results returned")
		metrics.TPCTransfersFailed.Inc()
		return false
	}

	req.SetDone(resultCode, "Transfer complete")
	if resultCode == 0 {
		metrics.TPCTransfersCompleted.Inc()
	} else {
		metrics.TPCTransfersFailed.Inc()
	}
	return false
}
