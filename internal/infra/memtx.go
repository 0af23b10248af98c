// README: Undo-log transactions for the in-memory stores.
package infra

import (
	"context"
	"sync"
)

type undoKey struct{}

type undoLog struct {
	mu  sync.Mutex
	fns []func()
}

// MemTx gives the in-memory stores all-or-nothing semantics: every mutation made
// inside WithTx registers an undo step, replayed in reverse when fn fails.
type MemTx struct{}

func (MemTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(undoKey{}).(*undoLog); ok {
		return fn(ctx)
	}
	log := &undoLog{}
	if err := fn(context.WithValue(ctx, undoKey{}, log)); err != nil {
		log.mu.Lock()
		fns := log.fns
		log.fns = nil
		log.mu.Unlock()
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
		return err
	}
	return nil
}

// RecordUndo registers fn to run if the surrounding MemTx fails. Outside a
// transaction it does nothing. fn must take whatever locks it needs itself.
func RecordUndo(ctx context.Context, fn func()) {
	log, ok := ctx.Value(undoKey{}).(*undoLog)
	if !ok {
		return
	}
	log.mu.Lock()
	log.fns = append(log.fns, fn)
	log.mu.Unlock()
}
