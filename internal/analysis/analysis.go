package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Config 描述分析引擎的可调词表与上限。
type Config struct {
	// BusinessTerms 为业务相关词，命中后关键词权重加倍。
	BusinessTerms []string `yaml:"business_terms" json:"business_terms"`
	// UrgentTerms 为紧急信号词，命中后提升紧急度评分。
	UrgentTerms []string `yaml:"urgent_terms" json:"urgent_terms"`
	// MaxKeywords 为输出关键词上限，默认 10。
	MaxKeywords int `yaml:"max_keywords" json:"max_keywords"`
}

// Input 为分析输入：统一后的点评文本与评分信号。
// Rating 与 Recommended 至多一个非空，取决于平台计分方式。
type Input struct {
	Text        string
	Rating      *float64
	Recommended *bool
}

// Keyword 为带权重的关键词，按重要性降序排列。
type Keyword struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

// Result 为分析输出。相同输入必然产出逐字节相同的结果。
type Result struct {
	SentimentScore float64
	SentimentLabel string
	Keywords       []Keyword
	UrgencyScore   int
	EmotionalState string
	ContentHash    string
}

// 情感标签阈值：score >= 0.1 为 positive，<= -0.1 为 negative。
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// 情绪状态取值。
const (
	EmotionAngry        = "angry"
	EmotionDisappointed = "disappointed"
	EmotionNeutral      = "neutral"
	EmotionSatisfied    = "satisfied"
	EmotionDelighted    = "delighted"
)

// Engine 为纯计算的点评分析引擎，无网络与持久化副作用。
type Engine struct {
	cfg           Config
	businessTerms map[string]struct{}
	urgentTerms   []string
}

// New 创建 Engine，空词表时使用内置默认值。
func New(cfg Config) *Engine {
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = 10
	}
	business := cfg.BusinessTerms
	if len(business) == 0 {
		business = defaultBusinessTerms
	}
	urgent := cfg.UrgentTerms
	if len(urgent) == 0 {
		urgent = defaultUrgentTerms
	}

	businessSet := make(map[string]struct{}, len(business))
	for _, term := range business {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			businessSet[t] = struct{}{}
		}
	}
	urgentClean := make([]string, 0, len(urgent))
	for _, term := range urgent {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			urgentClean = append(urgentClean, t)
		}
	}

	return &Engine{cfg: cfg, businessTerms: businessSet, urgentTerms: urgentClean}
}

// Analyze 对单条点评执行情感、关键词、紧急度与情绪状态计算。
func (e *Engine) Analyze(in Input) Result {
	tokens := tokenize(in.Text)

	score := sentimentScore(tokens)
	label := sentimentLabel(score)
	keywords := e.extractKeywords(tokens)
	urgentHits := e.countUrgentHits(tokens)
	urgency := urgencyScore(in.Rating, in.Recommended, score, urgentHits)
	emotion := emotionalState(score, tokens)

	return Result{
		SentimentScore: score,
		SentimentLabel: label,
		Keywords:       keywords,
		UrgencyScore:   urgency,
		EmotionalState: emotion,
		ContentHash:    ContentHash(in),
	}
}

// ContentHash 计算输入的内容哈希，用于跳过未变化点评的重复分析。
func ContentHash(in Input) string {
	var b strings.Builder
	b.WriteString(in.Text)
	b.WriteString("|")
	if in.Rating != nil {
		b.WriteString(fmt.Sprintf("r=%.2f", *in.Rating))
	}
	if in.Recommended != nil {
		b.WriteString(fmt.Sprintf("rec=%t", *in.Recommended))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// sentimentScore 基于词典打分并归一化到 (-1, 1)。
// 否定词在 2 个词距内翻转极性，如 "not good"。
func sentimentScore(tokens []string) float64 {
	var sum float64
	for i, tok := range tokens {
		weight, ok := sentimentLexicon[tok]
		if !ok {
			continue
		}
		for j := i - 1; j >= 0 && j >= i-2; j-- {
			if _, neg := negations[tokens[j]]; neg {
				weight = -weight
				break
			}
		}
		sum += weight
	}
	if sum == 0 {
		return 0
	}
	// 有界归一化，长文本不会稀释强信号。
	return sum / math.Sqrt(sum*sum+4)
}

func sentimentLabel(score float64) string {
	switch {
	case score >= 0.1:
		return LabelPositive
	case score <= -0.1:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

type keywordCandidate struct {
	term   string
	weight float64
	first  int
}

// extractKeywords 去除停用词后按加权词频排序，并列时按首次出现顺序，
// 输出上限由 MaxKeywords 控制。
func (e *Engine) extractKeywords(tokens []string) []Keyword {
	counts := make(map[string]*keywordCandidate)
	order := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		cand, ok := counts[tok]
		if !ok {
			cand = &keywordCandidate{term: tok, first: i}
			counts[tok] = cand
			order = append(order, tok)
		}
		cand.weight++
	}

	ranked := make([]*keywordCandidate, 0, len(order))
	for _, term := range order {
		cand := counts[term]
		if _, boost := e.businessTerms[term]; boost {
			cand.weight *= businessBoost
		}
		ranked = append(ranked, cand)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].first < ranked[j].first
	})

	if len(ranked) > e.cfg.MaxKeywords {
		ranked = ranked[:e.cfg.MaxKeywords]
	}
	keywords := make([]Keyword, 0, len(ranked))
	for _, cand := range ranked {
		keywords = append(keywords, Keyword{Term: cand.term, Weight: cand.weight})
	}
	return keywords
}

func (e *Engine) countUrgentHits(tokens []string) int {
	present := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		present[tok] = struct{}{}
	}
	hits := 0
	for _, term := range e.urgentTerms {
		if _, ok := present[term]; ok {
			hits++
		}
	}
	return hits
}

// urgencyScore 组合逆评分、情感负向程度与紧急词信号，
// 对每个输入独立单调：负向加深绝不会降低紧急度。
func urgencyScore(rating *float64, recommended *bool, sentiment float64, urgentHits int) int {
	score := 1.0

	switch {
	case rating != nil:
		inverse := 5 - *rating
		if inverse < 0 {
			inverse = 0
		}
		score += inverse * 1.2
	case recommended != nil && !*recommended:
		score += 4
	}

	if sentiment < 0 {
		score += -sentiment * 2
	}

	keywordBoost := float64(urgentHits) * 2
	if keywordBoost > 4 {
		keywordBoost = 4
	}
	score += keywordBoost

	result := int(math.Round(score))
	if result < 1 {
		result = 1
	}
	if result > 10 {
		result = 10
	}
	return result
}

// emotionalState 结合情感极性与词汇信号：
// 愤怒类词汇优先于单纯的负向情感，给出 angry 而非 disappointed。
func emotionalState(sentiment float64, tokens []string) string {
	joy := false
	for _, tok := range tokens {
		if _, ok := angerLexicon[tok]; ok {
			return EmotionAngry
		}
		if _, ok := joyLexicon[tok]; ok {
			joy = true
		}
	}
	switch {
	case sentiment <= -0.1:
		return EmotionDisappointed
	case sentiment >= 0.5 && joy:
		return EmotionDelighted
	case sentiment >= 0.1:
		return EmotionSatisfied
	default:
		return EmotionNeutral
	}
}
