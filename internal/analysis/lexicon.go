package analysis

// businessBoost 为业务相关词的权重倍数。
const businessBoost = 2.0

// sentimentLexicon 为内置情感词典，权重取值 [-1, 1]。
var sentimentLexicon = map[string]float64{
	// 正向
	"amazing":     0.9,
	"awesome":     0.9,
	"excellent":   0.9,
	"outstanding": 0.9,
	"perfect":     0.9,
	"wonderful":   0.8,
	"fantastic":   0.8,
	"delicious":   0.7,
	"great":       0.7,
	"lovely":      0.6,
	"friendly":    0.6,
	"helpful":     0.6,
	"clean":       0.5,
	"good":        0.5,
	"nice":        0.5,
	"enjoyed":     0.5,
	"recommend":   0.5,
	"fresh":       0.4,
	"fast":        0.3,
	"fine":        0.2,
	"okay":        0.1,
	// 负向
	"horrible":     -1.0,
	"terrible":     -1.0,
	"disgusting":   -1.0,
	"awful":        -0.9,
	"worst":        -0.9,
	"scam":         -0.9,
	"rude":         -0.8,
	"filthy":       -0.8,
	"unacceptable": -0.8,
	"bad":          -0.7,
	"dirty":        -0.7,
	"cold":         -0.4,
	"poor":         -0.6,
	"slow":         -0.5,
	"disappointed": -0.6,
	"overpriced":   -0.6,
	"mediocre":     -0.4,
	"noisy":        -0.4,
	"stale":        -0.5,
	"broken":       -0.5,
	"waiting":      -0.2,
}

// negations 在 2 个词距内翻转情感极性。
var negations = map[string]struct{}{
	"not":      {},
	"no":       {},
	"never":    {},
	"hardly":   {},
	"barely":   {},
	"isn't":    {},
	"wasn't":   {},
	"don't":    {},
	"didn't":   {},
	"won't":    {},
	"can't":    {},
	"couldn't": {},
}

// angerLexicon 命中即判定情绪状态为 angry。
var angerLexicon = map[string]struct{}{
	"angry":        {},
	"furious":      {},
	"outraged":     {},
	"outrageous":   {},
	"disgusting":   {},
	"disgrace":     {},
	"scam":         {},
	"fraud":        {},
	"unacceptable": {},
}

// joyLexicon 配合高正向情感判定 delighted。
var joyLexicon = map[string]struct{}{
	"love":      {},
	"loved":     {},
	"amazing":   {},
	"wonderful": {},
	"fantastic": {},
	"perfect":   {},
	"delighted": {},
	"thrilled":  {},
}

// defaultBusinessTerms 为默认业务相关词，关键词提取时加权。
var defaultBusinessTerms = []string{
	"service", "staff", "food", "room", "price", "quality",
	"refund", "delivery", "booking", "reservation", "manager",
	"wait", "order", "location", "breakfast", "cleanliness",
}

// defaultUrgentTerms 为默认紧急信号词。
var defaultUrgentTerms = []string{
	"refund", "unsafe", "lawsuit", "lawyer", "legal", "police",
	"poisoning", "sick", "injury", "dangerous", "scam", "fraud",
	"health", "allergic", "emergency",
}

// stopwords 为关键词提取使用的英文停用词表。
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "was": {}, "were": {}, "for": {}, "with": {},
	"this": {}, "that": {}, "have": {}, "had": {}, "has": {}, "they": {},
	"you": {}, "your": {}, "our": {}, "are": {}, "but": {}, "not": {},
	"all": {}, "very": {}, "there": {}, "here": {}, "from": {}, "out": {},
	"about": {}, "would": {}, "could": {}, "should": {}, "been": {},
	"when": {}, "what": {}, "which": {}, "will": {}, "just": {}, "them": {},
	"then": {}, "than": {}, "too": {}, "also": {}, "because": {}, "into": {},
	"only": {}, "some": {}, "its": {}, "it's": {}, "did": {}, "does": {},
	"get": {}, "got": {}, "one": {}, "two": {}, "again": {}, "back": {},
	"even": {}, "after": {}, "before": {}, "over": {}, "more": {}, "most": {},
	"can": {}, "came": {}, "come": {}, "went": {}, "going": {}, "told": {},
	"said": {}, "considering": {}, "really": {}, "place": {}, "time": {},
	"way": {}, "much": {}, "how": {}, "why": {}, "who": {}, "his": {},
	"her": {}, "she": {}, "him": {}, "while": {}, "where": {},
}
