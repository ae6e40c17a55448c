package jiggler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const identitySep = "|"

// ProcessIdentity names one running server process. Its string form is used
// both as the heartbeat key suffix and as the owner part of reservation list
// keys, so a reservation can be traced back to its process without any
// other lookup.
type ProcessIdentity struct {
	Nonce       string
	Concurrency int
	Timeout     time.Duration
	Queues      []string
	Poller      bool
	StartedAt   time.Time
	PID         int
	Hostname    string
}

func newProcessIdentity(opt Options) ProcessIdentity {
	host, _ := os.Hostname()
	queues := make([]string, 0, len(opt.Queues))
	for _, q := range opt.sortedQueues() {
		queues = append(queues, q.Name)
	}
	return ProcessIdentity{
		Nonce:       strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Concurrency: opt.Concurrency,
		Timeout:     opt.ShutdownTimeout,
		Queues:      queues,
		Poller:      opt.PollerEnabled,
		StartedAt:   time.Now(),
		PID:         os.Getpid(),
		Hostname:    host,
	}
}

func (p ProcessIdentity) String() string {
	return strings.Join([]string{
		p.Nonce,
		strconv.Itoa(p.Concurrency),
		strconv.FormatInt(int64(p.Timeout/time.Second), 10),
		strings.Join(p.Queues, ","),
		strconv.FormatBool(p.Poller),
		strconv.FormatInt(p.StartedAt.Unix(), 10),
		strconv.Itoa(p.PID),
		p.Hostname,
	}, identitySep)
}

// ParseProcessIdentity is the inverse of ProcessIdentity.String.
func ParseProcessIdentity(s string) (ProcessIdentity, error) {
	parts := strings.SplitN(s, identitySep, 8)
	if len(parts) != 8 || parts[0] == "" {
		return ProcessIdentity{}, fmt.Errorf("jiggler: malformed process identity %q", s)
	}
	conc, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProcessIdentity{}, fmt.Errorf("jiggler: process identity concurrency: %w", err)
	}
	timeout, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ProcessIdentity{}, fmt.Errorf("jiggler: process identity timeout: %w", err)
	}
	poller, err := strconv.ParseBool(parts[4])
	if err != nil {
		return ProcessIdentity{}, fmt.Errorf("jiggler: process identity poller: %w", err)
	}
	started, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return ProcessIdentity{}, fmt.Errorf("jiggler: process identity start: %w", err)
	}
	pid, err := strconv.Atoi(parts[6])
	if err != nil {
		return ProcessIdentity{}, fmt.Errorf("jiggler: process identity pid: %w", err)
	}
	var queues []string
	if parts[3] != "" {
		queues = strings.Split(parts[3], ",")
	}
	return ProcessIdentity{
		Nonce:       parts[0],
		Concurrency: conc,
		Timeout:     time.Duration(timeout) * time.Second,
		Queues:      queues,
		Poller:      poller,
		StartedAt:   time.Unix(started, 0),
		PID:         pid,
		Hostname:    parts[7],
	}, nil
}
