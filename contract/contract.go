//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker is one long-running broker unit (scheduler, dispatcher, consumer).
// It does not protect itself: Run may return an error or panic, and the
// supervisor decides what happens next. Its only duty is to honor ctx.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName derives a log-friendly name from the worker's concrete type,
// so workers never have to carry a name themselves.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
