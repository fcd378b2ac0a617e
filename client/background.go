package client

import (
	"sync"
	"time"
)

// Job is one background request: talk to addr via fn, which receives a
// freshly dialed, handshaken connection and must close nothing itself (the
// caller closes it once fn returns).
type Job struct {
	Addr string
	Fn   func(*PeerConn) error
}

// RunBackground runs jobs concurrently, up to maxParallel at a time, each
// with its own connection opened, used, and closed within the job; the
// pool is never consulted and workers share no mutable state. It returns
// one error per job, in job order.
func RunBackground(jobs []Job, maxParallel int, connectTimeout time.Duration, params HandshakeParams) []error {
	if maxParallel <= 0 {
		maxParallel = 50
	}
	errs := make([]error, len(jobs))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, job Job) {
			defer wg.Done()
			defer func() { <-sem }()

			conn, _, err := Dial(job.Addr, connectTimeout, params)
			if err != nil {
				errs[i] = err
				return
			}
			defer conn.Close()
			errs[i] = job.Fn(conn)
		}(i, job)
	}
	wg.Wait()
	return errs
}
