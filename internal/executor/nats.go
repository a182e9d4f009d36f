package executor

import (
	"context"
	"encoding/json"
	"fmt"

	natsadapter "github.com/ArnBdev/oneagent-delegation/internal/adapter/nats"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// CodePublishFailed is reported when JetStream does not acknowledge a task.
const CodePublishFailed = "publish_failed"

// NATSDelegator hands tasks to remote agents by publishing them to
// <prefix>.<targetAgent>. A task counts as delivered once the stream
// acknowledges it; what the agent does next is outside this process.
type NATSDelegator struct {
	pub    natsadapter.Publisher
	prefix string
}

// NewNATSDelegator creates a delegator publishing under prefix.
func NewNATSDelegator(pub natsadapter.Publisher, prefix string) *NATSDelegator {
	return &NATSDelegator{pub: pub, prefix: prefix}
}

// Execute implements Adapter.
func (d *NATSDelegator) Execute(ctx context.Context, task types.DelegatedTask) (Result, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	subject := natsadapter.Subject(d.prefix, task.TargetAgent)
	if err := d.pub.Publish(ctx, subject, data); err != nil {
		return Result{ErrorCode: CodePublishFailed, ErrorMessage: err.Error()}, nil
	}
	return Result{Success: true}, nil
}
