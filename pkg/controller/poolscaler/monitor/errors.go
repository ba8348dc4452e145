/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package monitor exposes operational metrics and the error sink of the pool scaler.
package monitor

import (
	"k8s.io/klog/v2"
)

// ErrorSink logs non-fatal failures and counts them.
type ErrorSink struct{}

// NewErrorSink creates an ErrorSink.
func NewErrorSink() *ErrorSink {
	return &ErrorSink{}
}

// Record logs an anomaly that has no underlying error.
func (s *ErrorSink) Record(message string) {
	recordedErrors.Inc()
	klog.ErrorS(nil, message)
}

// RecordError logs err with message.
func (s *ErrorSink) RecordError(err error, message string) {
	recordedErrors.Inc()
	klog.ErrorS(err, message)
}
