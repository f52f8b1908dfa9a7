package worker

import (
	"context"
	"log"
	"sync"

	"github.com/viimlabs/viim-gateway/internal/usage"
)

// Pool drains usage records into the ledger off the request path.
// Enqueue never blocks: when the queue is saturated the record is
// dropped and logged. Undercounting beats stalling a response.
// Workers run with a detached context so a record still lands after
// the originating request is abandoned.
type Pool struct {
	ledger *usage.Ledger
	jobs   chan usage.Record
	wg     sync.WaitGroup
}

func NewPool(ledger *usage.Ledger, queueSize, workers int) *Pool {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}

	p := &Pool{
		ledger: ledger,
		jobs:   make(chan usage.Record, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue submits a usage record for background logging. Returns false
// if the queue was full and the record was dropped.
func (p *Pool) Enqueue(rec usage.Record) bool {
	select {
	case p.jobs <- rec:
		return true
	default:
		log.Printf("worker: usage queue full, dropping record for user %s", rec.UserID)
		return false
	}
}

// Stop closes the queue and waits for in-flight records to land.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for rec := range p.jobs {
		p.ledger.LogUsage(context.Background(), rec)
	}
}
