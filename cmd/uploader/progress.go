package main

import (
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/episodehub/go-uploader/upload"
)

const progressStep = 10

// progressPrinter logs every state change and progress in steps of 10%.
type progressPrinter struct {
	logger log.Logger

	mu      sync.Mutex
	printed map[string]int
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{
		logger:  logger,
		printed: map[string]int{},
	}
}

func (p *progressPrinter) callbacks() upload.Callbacks {
	return upload.Callbacks{
		OnStateChange: p.stateChanged,
		OnProgress:    p.progress,
	}
}

func (p *progressPrinter) stateChanged(s *upload.Session, _, to upload.State) {
	if to == upload.StateHashing || to == upload.StateFinalizing {
		p.logger.Printf("%s: %s", s.File().Name, to)
	}
}

func (p *progressPrinter) progress(s *upload.Session, percent int) {
	p.mu.Lock()
	last, seen := p.printed[s.ID()]
	shouldPrint := !seen || percent/progressStep > last/progressStep
	if shouldPrint {
		p.printed[s.ID()] = percent
	}
	p.mu.Unlock()

	if shouldPrint {
		p.logger.Printf("%s: %d%%", s.File().Name, percent)
	}
}
