package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"finadvisor-pipeline/internal/config"
	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/logger"
	"finadvisor-pipeline/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	events    []models.StreamEvent
	failAfter int
}

func (s *recordingSink) WriteEvent(e models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("connection reset")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []models.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StreamEvent(nil), s.events...)
}

func (s *recordingSink) Types() []models.EventType {
	var out []models.EventType
	for _, e := range s.Events() {
		if e.Type != models.EventKeepalive {
			out = append(out, e.Type)
		}
	}
	return out
}

func (s *recordingSink) Find(t models.EventType) []models.StreamEvent {
	var out []models.StreamEvent
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) Deltas() string {
	var b strings.Builder
	for _, e := range s.Find(models.EventTextDelta) {
		b.WriteString(e.Payload["text"].(string))
	}
	return b.String()
}

func newStreamFixture(t *testing.T, keepalive time.Duration) (*pipelineFixture, *services.StreamOrchestrator, *services.MemoryConversationStore) {
	t.Helper()
	f := newPipelineFixture(t)
	conversations := services.NewMemoryConversationStore()
	stream := services.NewStreamOrchestrator(f.orch, conversations, config.StreamConfig{KeepaliveInterval: keepalive}, logger.NewNop(), nil)
	return f, stream, conversations
}

func assertGapFree(t *testing.T, events []models.StreamEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	messageID := events[0].MessageID
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "event %d (%s)", i, e.Type)
		assert.Equal(t, messageID, e.MessageID)
	}
}

func TestStreamHappyPath(t *testing.T) {
	f, stream, conversations := newStreamFixture(t, time.Minute)
	narrative := "Start a monthly SIP in a \"Nifty 50\" index fund.\nKeep your emergency fund intact."
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, true)})
	f.llm.on(kindGenerate, scripted{content: artifactJSON(narrative, buy("Nifty 50 Index Fund", "index_fund", 10000))})

	sink := &recordingSink{}
	result := stream.Stream(context.Background(), &models.AdviceRequest{
		Query:   "Which fund should I start a SIP in?",
		Profile: validProfile(),
	}, sink)

	require.Equal(t, models.ResultSuccess, result.Type)

	types := sink.Types()
	assert.Equal(t, models.EventMessageStarted, types[0])
	assert.Equal(t, models.EventConversationInfo, types[1])
	assert.Equal(t, models.EventTextBlockStarted, types[2])
	assert.Equal(t, models.EventStreamEnd, types[len(types)-1])
	assert.Equal(t, models.EventMessageCompleted, types[len(types)-2])
	assert.Equal(t, models.EventTextBlockCompleted, types[len(types)-3])

	assert.Equal(t, narrative, sink.Deltas())
	assert.Len(t, sink.Find(models.EventTextBlockStarted), 1)
	assertGapFree(t, sink.Events())

	completed := sink.Find(models.EventMessageCompleted)[0]
	assert.Equal(t, models.CompletionStatusCompleted, completed.Payload["status"])
	assert.Equal(t, 1, completed.Payload["repairAttempts"])
	assert.Equal(t, 42, completed.Payload["tokenCount"])
	assert.Equal(t, "STOP", completed.Payload["finishReason"])
	assert.Equal(t, "fake-model", sink.Find(models.EventMessageStarted)[0].Payload["model"])

	info := sink.Find(models.EventConversationInfo)[0]
	assert.Equal(t, true, info.Payload["isNew"])
	conv, err := conversations.Get(context.Background(), info.Payload["conversationId"].(string))
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, narrative, conv.Messages[1].Content[0].Text)
	assert.NotNil(t, conv.Messages[1].Artifact)
}

func TestStreamRejection(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(false, false, false)})

	sink := &recordingSink{}
	result := stream.Stream(context.Background(), &models.AdviceRequest{Query: "what's the weather"}, sink)

	require.Equal(t, models.ResultRejection, result.Type)
	assert.Equal(t, []models.EventType{
		models.EventMessageStarted,
		models.EventConversationInfo,
		models.EventTextBlockStarted,
		models.EventTextDelta,
		models.EventTextBlockCompleted,
		models.EventMessageCompleted,
		models.EventStreamEnd,
	}, sink.Types())
	assert.Equal(t, testPipelineConfig().RejectionMessage, sink.Deltas())
	assert.Equal(t, models.CompletionStatusRejected, sink.Find(models.EventMessageCompleted)[0].Payload["status"])
	assert.Equal(t, 0, f.llm.Calls(kindGenerate))
}

func TestStreamInvalidProfile(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, true)})
	profile := validProfile()
	profile.MonthlyIncome = ptr(-100.0)

	sink := &recordingSink{}
	stream.Stream(context.Background(), &models.AdviceRequest{Query: "How much can I invest?", Profile: profile}, sink)

	types := sink.Types()
	require.Len(t, types, 4)
	assert.Equal(t, models.EventMessageFailed, types[2])
	assert.Equal(t, models.EventStreamEnd, types[3])

	failed := sink.Find(models.EventMessageFailed)[0]
	assert.Equal(t, models.FailureInvalidProfile, failed.Payload["code"])
	assert.Equal(t, models.StageContextValidation, failed.Payload["stage"])
	assert.Equal(t, 0, f.llm.Calls(kindGenerate))
}

func TestStreamEmptyQuery(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)

	sink := &recordingSink{}
	stream.Stream(context.Background(), &models.AdviceRequest{Query: "  "}, sink)

	failedEvents := sink.Find(models.EventMessageFailed)
	require.Len(t, failedEvents, 1)
	assert.Equal(t, models.FailureInvalidRequest, failedEvents[0].Payload["code"])
	assert.Equal(t, models.StageRequest, failedEvents[0].Payload["stage"])
	assert.Equal(t, models.EventStreamEnd, sink.Types()[len(sink.Types())-1])
	assert.Equal(t, 0, f.llm.Calls(kindClassify))
}

func TestStreamRepairReplacesStreamedNarrative(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, true)})
	f.llm.on(kindGenerate,
		scripted{content: artifactJSON("Buy some leveraged ETF.", buy("2x Leveraged ETF", "etf", 5000))},
		scripted{content: artifactJSON("Buy a broad index fund.", buy("Nifty 50 Index Fund", "index_fund", 5000))},
	)

	sink := &recordingSink{}
	result := stream.Stream(context.Background(), &models.AdviceRequest{Query: "What should I buy?", Profile: validProfile()}, sink)

	require.Equal(t, models.ResultSuccess, result.Type)
	assert.Equal(t, 2, result.RepairAttempts)

	blocks := sink.Find(models.EventTextBlockStarted)
	require.Len(t, blocks, 2)
	assert.Len(t, sink.Find(models.EventTextBlockCompleted), 2)

	deltas := sink.Find(models.EventTextDelta)
	last := deltas[len(deltas)-1]
	assert.Equal(t, "Buy a broad index fund.", last.Payload["text"])
	assert.Equal(t, blocks[1].Payload["blockId"], last.Payload["blockId"])
	assert.Equal(t, 2, sink.Find(models.EventMessageCompleted)[0].Payload["repairAttempts"])
	assertGapFree(t, sink.Events())
}

func TestStreamRepairExhausted(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, true)})
	f.llm.on(kindGenerate, scripted{content: `{"narrative": "half an answer"`})

	sink := &recordingSink{}
	stream.Stream(context.Background(), &models.AdviceRequest{Query: "What should I buy?", Profile: validProfile()}, sink)

	failed := sink.Find(models.EventMessageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, models.FailureRepairExhausted, failed[0].Payload["code"])
	types := sink.Types()
	assert.Equal(t, models.EventStreamEnd, types[len(types)-1])
	assert.Equal(t, 3, f.llm.Calls(kindGenerate))
}

func TestStreamContinuesExistingConversation(t *testing.T) {
	f, stream, conversations := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, false)})
	f.llm.on(kindGenerate, scripted{content: `{"narrative": "An ETF trades on an exchange."}`})

	conv := models.NewConversation("first question")
	conv.Append(models.NewTextMessage(models.RoleUser, "first question"), models.NewTextMessage(models.RoleAssistant, "first answer"))
	require.NoError(t, conversations.Put(context.Background(), conv))

	sink := &recordingSink{}
	stream.Stream(context.Background(), &models.AdviceRequest{Query: "What is an ETF?", ConversationID: conv.ID}, sink)

	info := sink.Find(models.EventConversationInfo)[0]
	assert.Equal(t, false, info.Payload["isNew"])
	assert.Equal(t, conv.ID, info.Payload["conversationId"])

	stored, err := conversations.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 4)
}

func TestStreamKeepaliveKeepsSequenceGapFree(t *testing.T) {
	f, stream, _ := newStreamFixture(t, 5*time.Millisecond)
	f.retriever.gate = make(chan struct{})
	time.AfterFunc(60*time.Millisecond, func() { close(f.retriever.gate) })

	f.llm.on(kindClassify, scripted{content: classificationJSON(true, true, true)})
	f.llm.on(kindExtract, scripted{content: extractionJSON})
	f.llm.on(kindGenerate, scripted{content: artifactJSON("Index funds.", buy("Nifty 50 Index Fund", "index_fund", 1000))})

	sink := &recordingSink{}
	stream.Stream(context.Background(), &models.AdviceRequest{Query: "Best fund?", Profile: validProfile()}, sink)

	events := sink.Events()
	assert.NotEmpty(t, sink.Find(models.EventKeepalive))
	assertGapFree(t, events)
	assert.Equal(t, models.EventStreamEnd, events[len(events)-1].Type)
}

func TestStreamSurvivesBrokenConnection(t *testing.T) {
	f, stream, _ := newStreamFixture(t, time.Minute)
	f.llm.on(kindClassify, scripted{content: classificationJSON(true, false, false)})
	f.llm.on(kindGenerate, scripted{content: `{"narrative": "Still answered."}`})

	sink := &recordingSink{failAfter: 1}
	result := stream.Stream(context.Background(), &models.AdviceRequest{Query: "What is a bond fund?"}, sink)

	assert.Equal(t, models.ResultSuccess, result.Type)
	assert.Len(t, sink.Events(), 1)
}
