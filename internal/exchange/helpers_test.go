package exchange

import (
	"log/slog"
	"testing"
	"time"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

func init() {
	if err := envelope.SetBrokerDomain("broker.test"); err != nil {
		panic(err)
	}
}

func testAppID(t *testing.T, app, proxy string) envelope.AppOrProxyID {
	t.Helper()
	id, err := envelope.NewAppID(app, proxy)
	if err != nil {
		t.Fatalf("NewAppID(%s, %s): %v", app, proxy, err)
	}
	return id
}

func newTestRegistry(t *testing.T) *Registry[*envelope.EncryptedTaskRequest] {
	t.Helper()
	return NewRegistry[*envelope.EncryptedTaskRequest](DefaultTaskCapacities(), slog.Default())
}

func newTestTask(t *testing.T, from envelope.AppOrProxyID, ttl time.Duration, to ...envelope.AppOrProxyID) envelope.Signed[*envelope.EncryptedTaskRequest] {
	t.Helper()
	task := &envelope.EncryptedTaskRequest{
		ID:   envelope.NewMsgID(),
		From: from,
		To:   to,
		TTL:  envelope.TTL{Duration: ttl},
		Body: "dGVzdC1jaXBoZXJ0ZXh0",
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("test task invalid: %v", err)
	}
	return envelope.NewSigned(task, "test-token", from)
}

func newTestResult(t *testing.T, task envelope.MsgID, from, to envelope.AppOrProxyID, status envelope.WorkStatus) SignedResult {
	t.Helper()
	body := "cmVzdWx0"
	res := &envelope.EncryptedTaskResult{
		From:   from,
		To:     []envelope.AppOrProxyID{to},
		Task:   task,
		Status: status,
		Body:   &body,
	}
	if err := res.Validate(); err != nil {
		t.Fatalf("test result invalid: %v", err)
	}
	return envelope.NewSigned(res, "test-token", from)
}

func waitDuration(d time.Duration) HowLongToBlock {
	return HowLongToBlock{WaitTime: &d}
}

func waitCountTime(n uint, d time.Duration) HowLongToBlock {
	return HowLongToBlock{WaitCount: &n, WaitTime: &d}
}
