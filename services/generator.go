package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/model"
	"github.com/fluentedge-labs/assess_api/shared"
)

// Collaborator failures are absorbed at every call site and degraded to
// canned content or a heuristic score, never surfaced to the user.
var (
	ErrGenerationFailed = errors.New("content generation failed")
	ErrSynthesisFailed  = errors.New("speech synthesis failed")
	ErrEvaluationFailed = errors.New("answer evaluation failed")
)

// StageContent is what the generator produces for one stage before the
// engine attaches audio and cursor state.
type StageContent struct {
	Passage string            `json:"passage,omitempty"`
	Items   []model.StageItem `json:"items,omitempty"`
}

type Evaluation struct {
	Score     int    `json:"score"`
	Rationale string `json:"rationale,omitempty"`
}

// GeneratorService is the client for the content-generation, speech
// synthesis and answer-evaluation collaborator. Every call has a bounded
// timeout and a two-attempt retry with backoff; exhausting both leaves the
// caller on the static fallback path.
type GeneratorService struct {
	appContext.DefaultService

	httpClient *http.Client
	baseURL    string
	apiKey     string

	redisSvc *RedisService

	cacheExpiry time.Duration
}

const GENERATOR_SVC = "generator_svc"

const generatorAttempts = 2

func (svc GeneratorService) Id() string {
	return GENERATOR_SVC
}

func (svc *GeneratorService) Configure(ctx *appContext.Context) error {
	svc.httpClient = &http.Client{
		Timeout: 20 * time.Second,
	}

	svc.baseURL = os.Getenv("GENERATOR_BASE_URL")
	if svc.baseURL == "" {
		svc.baseURL = "http://localhost:9100"
	}
	svc.baseURL = strings.TrimRight(svc.baseURL, "/")

	svc.apiKey = os.Getenv("GENERATOR_API_KEY")
	svc.cacheExpiry = 10 * time.Minute

	return svc.DefaultService.Configure(ctx)
}

func (svc *GeneratorService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	return nil
}

// ==================== COLLABORATOR CALLS ====================

type generateRequest struct {
	StageKind  string `json:"stage_kind"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

type evaluateRequest struct {
	StageKind  string `json:"stage_kind"`
	Reference  string `json:"reference"`
	Submission string `json:"submission"`
}

// Generate asks the collaborator for fresh stage content. Results are cached
// briefly so a burst of sessions on the same topic does not hammer it.
func (svc *GeneratorService) Generate(ctx context.Context, stageKind, topic, difficulty string) (*StageContent, error) {
	cacheKey := fmt.Sprintf("gen:content:%s:%s:%s", stageKind, topic, difficulty)

	var cached StageContent
	if err := svc.redisSvc.GetJSON(ctx, cacheKey, &cached); err == nil && len(cached.Items) > 0 {
		return &cached, nil
	}

	var content StageContent
	err := svc.postJSON(ctx, "/v1/generate", generateRequest{
		StageKind:  stageKind,
		Topic:      topic,
		Difficulty: difficulty,
	}, &content)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"stage": stageKind,
			"topic": topic,
		}).Warn("Content generation failed")
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if len(content.Items) == 0 && content.Passage == "" {
		return nil, fmt.Errorf("%w: empty content", ErrGenerationFailed)
	}

	if err := svc.redisSvc.Set(ctx, cacheKey, &content, svc.cacheExpiry); err != nil {
		log.WithError(err).Debug("Failed to cache generated content")
	}

	return &content, nil
}

// SynthesizeSpeech turns passage text into audio bytes.
func (svc *GeneratorService) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	audio, err := svc.postRaw(ctx, "/v1/synthesize", synthesizeRequest{Text: text})
	if err != nil {
		log.WithError(err).Warn("Speech synthesis failed")
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrSynthesisFailed)
	}
	return audio, nil
}

// Evaluate scores a free-text submission against the reference answer.
func (svc *GeneratorService) Evaluate(ctx context.Context, stageKind, reference, submission string) (*Evaluation, error) {
	var evaluation Evaluation
	err := svc.postJSON(ctx, "/v1/evaluate", evaluateRequest{
		StageKind:  stageKind,
		Reference:  reference,
		Submission: submission,
	}, &evaluation)
	if err != nil {
		log.WithError(err).WithField("stage", stageKind).Warn("Answer evaluation failed")
		return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, err)
	}

	evaluation.Score = shared.ClampScore(evaluation.Score)
	return &evaluation, nil
}

func (svc *GeneratorService) postJSON(ctx context.Context, path string, payload, dest interface{}) error {
	body, err := svc.postRaw(ctx, path, payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

// postRaw does the actual call with the bounded retry. Two attempts with
// exponential backoff, then the error goes back to the fallback path.
func (svc *GeneratorService) postRaw(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 1; attempt <= generatorAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := svc.doRequest(ctx, path, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err

		log.WithError(err).WithFields(log.Fields{
			"path":    path,
			"attempt": attempt,
		}).Warn("Collaborator call failed")
	}

	return nil, lastErr
}

func (svc *GeneratorService) doRequest(ctx context.Context, path string, reqBody []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if svc.apiKey != "" {
		req.Header.Set("X-API-Key", svc.apiKey)
	}

	resp, err := svc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ==================== STATIC FALLBACKS ====================

// FallbackContent returns the canned stage content used whenever generation
// is unavailable. The session starts either way.
func (svc *GeneratorService) FallbackContent(stageKind string) *StageContent {
	content, ok := fallbackBank[stageKind]
	if !ok {
		return &StageContent{}
	}

	copied := StageContent{Passage: content.Passage}
	copied.Items = make([]model.StageItem, len(content.Items))
	copy(copied.Items, content.Items)
	return &copied
}

/// FallbackEvaluation is the heuristic used when the evaluator is down: score
// by word overlap between submission and reference.
func (svc *GeneratorService) FallbackEvaluation(reference, submission string) *Evaluation {
	refWords := tokenize(reference)
	subWords := tokenize(submission)

	if len(refWords) == 0 || len(subWords) == 0 {
		return &Evaluation{Score: 0, Rationale: "No content to evaluate"}
	}

	refSet := make(map[string]bool, len(refWords))
	for _, w := range refWords {
		refSet[w] = true
	}

	matched := 0
	for _, w := range subWords {
		if refSet[w] {
			matched++
		}
	}

	score := shared.ClampScore(matched * 100 / len(refWords))
	return &Evaluation{Score: score, Rationale: "Heuristic word-overlap score"}
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(f, ".,!?;:\"'()")
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

var fallbackBank = map[string]*StageContent{
	shared.StageReading: {
		Passage: "The small bakery on Maple Street opens before sunrise. Every morning the baker lays out fresh bread, and by eight the shelves are nearly empty. Regular customers know to arrive early, especially on weekends when the cinnamon rolls sell out first.",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Read the passage aloud, then submit a transcript of what you said.", Reference: "The small bakery on Maple Street opens before sunrise. Every morning the baker lays out fresh bread, and by eight the shelves are nearly empty. Regular customers know to arrive early, especially on weekends when the cinnamon rolls sell out first.", Grading: shared.GradingEvaluated},
		},
	},
	shared.StageListening: {
		Passage: "Attention passengers: the 9:15 express train to Riverside has been delayed by twenty minutes due to signal maintenance. Passengers holding reserved seats may board from platform four once the train arrives. We apologize for the inconvenience.",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Which train is delayed?", Options: []string{"The 9:15 express to Riverside", "The 9:50 local to Riverside", "The 8:15 express to Lakeside"}, Reference: "The 9:15 express to Riverside", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "How long is the delay?", Options: []string{"Ten minutes", "Twenty minutes", "An hour"}, Reference: "Twenty minutes", Grading: shared.GradingExact},
			{ID: "itm_3", Prompt: "Which platform should reserved-seat passengers use?", Options: []string{"Platform two", "Platform four", "Platform six"}, Reference: "Platform four", Grading: shared.GradingExact},
		},
	},
	shared.StageJumbledSentences: {
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Reorder into a sentence: morning / coffee / drinks / every / she", Reference: "she drinks coffee every morning", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "Reorder into a sentence: library / closed / the / on / is / sundays", Reference: "the library is closed on sundays", Grading: shared.GradingExact},
			{ID: "itm_3", Prompt: "Reorder into a sentence: to / learning / guitar / he / play / is / the", Reference: "he is learning to play the guitar", Grading: shared.GradingExact},
			{ID: "itm_4", Prompt: "Reorder into a sentence: rained / picnic / because / cancelled / was / it / the", Reference: "the picnic was cancelled because it rained", Grading: shared.GradingExact},
		},
	},
	shared.StageStorySummary: {
		Passage: "Lena found an old camera at a flea market. The seller said it was broken, so she paid almost nothing for it. At home she discovered a finished roll of film still inside. She had the film developed and found photographs of her own street taken forty years earlier. She printed the best one and hung it beside her window, where the same maple tree still stands.",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Summarize the story in two or three sentences.", Reference: "Lena bought a supposedly broken camera at a flea market and found an undeveloped roll of film inside. The developed photos showed her own street forty years earlier, and she hung one beside her window near the same maple tree.", Grading: shared.GradingEvaluated},
		},
	},
	shared.StagePersonalQuestion: {
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Describe a place you visit often. What do you usually do there, and why do you keep going back?", Reference: "A personal answer of several sentences describing a familiar place, typical activities there, and the reason for returning.", Grading: shared.GradingEvaluated},
		},
	},
	shared.StageComprehension: {
		Passage: "Urban beekeeping has grown steadily over the past decade. City bees often produce more honey than rural ones because parks and gardens offer a wide variety of flowers across the whole season. Most cities now require beekeepers to register their hives and to keep them a minimum distance from schools and playgrounds.",
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "Why can city bees out-produce rural bees?", Options: []string{"City air is warmer", "Parks and gardens bloom across the whole season", "There are fewer predators in cities"}, Reference: "Parks and gardens bloom across the whole season", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "What do most cities require of beekeepers?", Options: []string{"A yearly honey tax", "Registering hives and keeping them away from schools", "Selling honey locally"}, Reference: "Registering hives and keeping them away from schools", Grading: shared.GradingExact},
			{ID: "itm_3", Prompt: "What is the passage mainly about?", Options: []string{"The decline of rural farming", "The growth and regulation of urban beekeeping", "How to build a beehive"}, Reference: "The growth and regulation of urban beekeeping", Grading: shared.GradingExact},
		},
	},
	shared.StageFillBlanks: {
		Items: []model.StageItem{
			{ID: "itm_1", Prompt: "She has lived in this town ___ 2015. (for/since/from)", Reference: "since", Grading: shared.GradingExact},
			{ID: "itm_2", Prompt: "If I ___ more time, I would learn another language. (have/had/having)", Reference: "had", Grading: shared.GradingExact},
			{ID: "itm_3", Prompt: "The report must be finished ___ Friday. (by/until/at)", Reference: "by", Grading: shared.GradingExact},
			{ID: "itm_4", Prompt: "He apologized ___ arriving late. (for/about/of)", Reference: "for", Grading: shared.GradingExact},
		},
	},
}
