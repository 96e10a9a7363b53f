package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/ingest"
)

type stubApplier struct {
	mu    sync.Mutex
	seen  []string
	errOf map[string]error
}

func (s *stubApplier) Apply(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, string(raw))
	return s.errOf[string(raw)]
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "activity" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.ch)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "activity", Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	cfg := Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "activity", GroupID: "relay"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sarama.OffsetNewest, cfg.saramaConfig().Consumer.Offsets.Initial)

	cfg.Oldest = true
	assert.Equal(t, sarama.OffsetOldest, cfg.saramaConfig().Consumer.Offsets.Initial)

	assert.Error(t, Config{Topic: "a", GroupID: "g"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b"}, GroupID: "g"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b"}, Topic: "a"}.Validate())

	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

// TestConsumeClaimMarksApplied 测试成功与非法消息都会标记位点
func TestConsumeClaimMarksApplied(t *testing.T) {
	applier := &stubApplier{errOf: map[string]error{
		"bad": ingest.ErrMalformed,
	}}
	c := newConsumer(Config{Topic: "activity", GroupID: "g"}, applier, nil, nil)
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(sess, claimOf("a", "bad", "b")))
	assert.Equal(t, []string{"a", "bad", "b"}, applier.seen)
	assert.Equal(t, []int64{0, 1, 2}, sess.marked)
}

// TestConsumeClaimStopsOnRetryable 测试可重试失败结束会话且不标记
func TestConsumeClaimStopsOnRetryable(t *testing.T) {
	applier := &stubApplier{errOf: map[string]error{
		"b": errors.New("database is locked"),
	}}
	c := newConsumer(Config{Topic: "activity", GroupID: "g"}, applier, nil, nil)
	sess := &fakeSession{ctx: context.Background()}

	err := c.ConsumeClaim(sess, claimOf("a", "b", "c"))
	assert.ErrorContains(t, err, "database is locked")
	assert.Equal(t, []int64{0}, sess.marked)
	assert.Equal(t, []string{"a", "b"}, applier.seen)
}

// TestConsumeClaimCancelled 测试会话取消后退出
func TestConsumeClaimCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newConsumer(Config{Topic: "activity", GroupID: "g"}, &stubApplier{}, nil, nil)
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}

	assert.NoError(t, c.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
