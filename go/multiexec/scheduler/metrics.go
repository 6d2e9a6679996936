// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the OpenTelemetry instruments of the scheduler. Wrapper
// types keep attribute keys out of the scheduling code.
type Metrics struct {
	workOrdersGenerated  WorkOrderCounter
	workOrdersDispatched WorkOrderCounter
	workOrdersCompleted  WorkOrderCounter
	operatorsFinished    OperatorCounter
	operatorDuration     OperatorDuration
}

// WorkOrderCounter counts work orders by kind and operator.
type WorkOrderCounter struct {
	metric.Int64Counter
}

// Add records n work orders of the given kind for operator.
func (c WorkOrderCounter) Add(ctx context.Context, n int64, kind WorkOrderKind, operator string) {
	c.Int64Counter.Add(ctx, n, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("operator", operator),
	))
}

// OperatorCounter counts finished operators by name.
type OperatorCounter struct {
	metric.Int64Counter
}

func (c OperatorCounter) Add(ctx context.Context, operator string) {
	c.Int64Counter.Add(ctx, 1, metric.WithAttributes(attribute.String("operator", operator)))
}

// OperatorDuration records how long an operator took from its first work
// order generation attempt to being marked finished.
type OperatorDuration struct {
	metric.Float64Histogram
}

func (h OperatorDuration) Record(ctx context.Context, d time.Duration, operator string) {
	h.Float64Histogram.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("operator", operator)))
}

// NewMetrics creates the scheduler instruments. A nil meter yields noop
// instruments.
func NewMetrics(meter metric.Meter, logger *slog.Logger) (*Metrics, error) {
	m := &Metrics{}
	if meter == nil {
		m.workOrdersGenerated = WorkOrderCounter{noop.Int64Counter{}}
		m.workOrdersDispatched = WorkOrderCounter{noop.Int64Counter{}}
		m.workOrdersCompleted = WorkOrderCounter{noop.Int64Counter{}}
		m.operatorsFinished = OperatorCounter{noop.Int64Counter{}}
		m.operatorDuration = OperatorDuration{noop.Float64Histogram{}}
		return m, nil
	}

	counter := func(name, desc string) (metric.Int64Counter, error) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{work_orders}"))
		if err != nil {
			logger.Error("failed to create counter", "name", name, "error", err)
		}
		return c, err
	}

	generated, err := counter("multiexec.scheduler.work_orders.generated", "Work orders added to the container")
	if err != nil {
		return nil, err
	}
	m.workOrdersGenerated = WorkOrderCounter{generated}

	dispatched, err := counter("multiexec.scheduler.work_orders.dispatched", "Work orders handed to workers")
	if err != nil {
		return nil, err
	}
	m.workOrdersDispatched = WorkOrderCounter{dispatched}

	completed, err := counter("multiexec.scheduler.work_orders.completed", "Work orders reported complete")
	if err != nil {
		return nil, err
	}
	m.workOrdersCompleted = WorkOrderCounter{completed}

	finished, err := meter.Int64Counter(
		"multiexec.scheduler.operators.finished",
		metric.WithDescription("Operators marked finished"),
		metric.WithUnit("{operators}"),
	)
	if err != nil {
		logger.Error("failed to create operators.finished counter", "error", err)
		return nil, err
	}
	m.operatorsFinished = OperatorCounter{finished}

	duration, err := meter.Float64Histogram(
		"multiexec.scheduler.operator.duration",
		metric.WithDescription("Time from an operator's first generation attempt to its completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Error("failed to create operator.duration histogram", "error", err)
		return nil, err
	}
	m.operatorDuration = OperatorDuration{duration}

	return m, nil
}
