package main

import (
	"fmt"

	"github.com/chaz8081/glucose-racp/internal/ble"
	"github.com/chaz8081/glucose-racp/internal/ble/protocol"
	"github.com/chaz8081/glucose-racp/internal/config"
	"github.com/chaz8081/glucose-racp/internal/glucose"
)

var operators = map[string]protocol.Operator{
	"all":   protocol.OperatorAllRecords,
	"first": protocol.OperatorFirstRecord,
	"last":  protocol.OperatorLastRecord,
}

func retrievalOptions(cfg config.RetrievalConfig) (glucose.Options, error) {
	op, ok := operators[cfg.Operator]
	if !ok {
		return glucose.Options{}, fmt.Errorf("unknown retrieval operator %q", cfg.Operator)
	}
	opts := glucose.DefaultOptions()
	opts.Timeout = cfg.Timeout
	opts.SkipCount = cfg.SkipCount
	opts.Operator = op
	opts.AbortTimeout = cfg.AbortTimeout
	opts.LivenessInterval = cfg.LivenessInterval
	return opts, nil
}

func connectOptions(cfg config.ConnectConfig) ble.ConnectOptions {
	return ble.ConnectOptions{
		Timeout:    cfg.Timeout,
		Attempts:   cfg.Attempts,
		BackoffMax: cfg.BackoffMax,
	}
}

func scanOptions(cfg config.ScanConfig) ble.ScanOptions {
	return ble.ScanOptions{
		Timeout:  cfg.Timeout,
		Attempts: cfg.Attempts,
		Interval: cfg.Interval,
	}
}
