// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// outcomeOK is the outcome label of a successful operation.
const outcomeOK = "ok"

// Metrics for credential and token operations. They are registered by the
// observability server through Collectors.
var (
	// operations counts orchestrator flows by outcome (ok or error kind).
	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_auth_operations_total",
		Help: "Total number of authentication flows by operation and outcome",
	}, []string{"operation", "outcome"})

	// otpVerifications counts one-time code checks by reason and outcome.
	otpVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_otp_verifications_total",
		Help: "Total number of one-time code verifications by reason and outcome",
	}, []string{"reason", "outcome"})

	// tokensIssued counts minted tokens by kind (access, refresh).
	tokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_tokens_issued_total",
		Help: "Total number of tokens issued by kind",
	}, []string{"kind"})

	// sweptRecords counts expired rows removed by the sweeper.
	sweptRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_sweeper_deleted_total",
		Help: "Total number of expired records deleted by the sweeper",
	}, []string{"record"})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{operations, otpVerifications, tokensIssued, sweptRecords}
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	return string(KindOf(err))
}

func recordOperation(operation string, err error) {
	operations.WithLabelValues(operation, outcome(err)).Inc()
}

func recordOTPVerification(reason Reason, err error) {
	otpVerifications.WithLabelValues(string(reason), outcome(err)).Inc()
}
