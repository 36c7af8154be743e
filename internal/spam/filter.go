// Package spam scores messages with a fixed set of additive heuristic
// rules. The rule set, weights and word list are frozen: scores must be
// reproducible across versions so thresholds and operator expectations
// stay meaningful.
package spam

import (
	"net"
	"regexp"
	"strings"
	"unicode"

	"github.com/perchmail/perchd/internal/message"
)

// Score thresholds. Above RejectThreshold the message is refused at
// DATA time; between MarkThreshold and RejectThreshold it is accepted
// but recorded as suspect.
const (
	RejectThreshold = 10.0
	MarkThreshold   = 5.0
)

// Result is the outcome of scoring one message.
type Result struct {
	Score float64
	// Rules lists the names of the triggered rules, in evaluation order.
	Rules []string
}

// Reject reports whether the message should be refused.
func (r Result) Reject() bool { return r.Score > RejectThreshold }

// Mark reports whether the message should be accepted but flagged.
func (r Result) Mark() bool { return r.Score >= MarkThreshold && r.Score <= RejectThreshold }

type rule struct {
	name    string
	weight  float64
	applies func(*input) bool
}

type input struct {
	msg    *message.Message
	sender string
	peerIP net.IP
}

// rules is the frozen rule table. Order matters only for the Rules
// slice in the Result; the score is a plain sum.
var rules = []rule{
	{"subject_all_caps", 3.0, checkAllCapsSubject},
	{"subject_excessive_punctuation", 2.0, checkExcessivePunctuation},
	{"subject_spam_words", 2.5, checkSpamWordsSubject},
	{"body_spam_words", 2.0, checkSpamWordsBody},
	{"excessive_links", 1.5, checkExcessiveLinks},
	{"hidden_text", 3.0, checkHiddenText},
	{"excessive_images", 1.0, checkExcessiveImages},
	{"missing_message_id", 1.0, checkMissingMessageID},
	{"invalid_date", 2.0, checkInvalidDate},
	{"multiple_from", 3.0, checkMultipleFrom},
	{"forged_received", 4.0, checkForgedReceived},
	{"base64_encoded_text", 1.5, checkBase64Text},
	{"no_text_content", 1.0, checkNoText},
	{"mostly_html", 0.5, checkMostlyHTML},
}

// spamWords is the frozen word and phrase list used by the subject and
// body rules. Matching is substring, case-insensitive.
var spamWords = []string{
	"viagra", "cialis", "pharmacy", "pills", "medication",
	"casino", "poker", "slots", "betting", "lottery",
	"weight loss", "lose weight", "diet pills",
	"make money", "work from home", "million dollars",
	"nigerian prince", "inheritance", "tax refund",
	"click here", "act now", "limited time", "urgent",
	"winner", "congratulations", "you won", "prize",
	"free", "guarantee", "no obligation", "risk free",
	"increase sales", "double your", "cheap", "bargain",
	"order now", "call now", "apply now", "subscribe",
	"unsubscribe", "remove", "opt out",
	"dear friend", "dear sir/madam",
}

// Check scores a parsed message against the rule table.
func Check(msg *message.Message, sender string, peerIP net.IP) Result {
	in := &input{msg: msg, sender: sender, peerIP: peerIP}
	var res Result
	for _, r := range rules {
		if r.applies(in) {
			res.Score += r.weight
			res.Rules = append(res.Rules, r.name)
		}
	}
	return res
}

func checkAllCapsSubject(in *input) bool {
	subject := in.msg.Subject
	if len(subject) <= 10 {
		return false
	}
	var letters, upper int
	for _, r := range subject {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters > 0 && float64(upper)/float64(letters) > 0.8
}

func checkExcessivePunctuation(in *input) bool {
	s := in.msg.Subject
	count := strings.Count(s, "!") + strings.Count(s, "?") + strings.Count(s, "$")
	return count > 3
}

func countSpamWords(text string) int {
	text = strings.ToLower(text)
	count := 0
	for _, w := range spamWords {
		if strings.Contains(text, w) {
			count++
		}
	}
	return count
}

func checkSpamWordsSubject(in *input) bool {
	return countSpamWords(in.msg.Subject) >= 2
}

func checkSpamWordsBody(in *input) bool {
	body := strings.ToLower(in.msg.AllText())
	if len(body) < 50 {
		return false
	}
	words := len(strings.Fields(body))
	if words == 0 {
		return false
	}
	return float64(countSpamWords(body))/float64(words) > 0.05
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

func checkExcessiveLinks(in *input) bool {
	body := in.msg.AllText()
	words := len(strings.Fields(body))
	if words == 0 {
		return false
	}
	urls := len(urlRe.FindAllString(body, -1))
	return float64(urls)/float64(words) > 0.1
}

var hidingRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)color:\s*#?ffffff`),
	regexp.MustCompile(`(?i)font-size:\s*[01]px`),
	regexp.MustCompile(`(?i)display:\s*none`),
	regexp.MustCompile(`(?i)visibility:\s*hidden`),
	regexp.MustCompile(`(?i)text-indent:\s*-\d+px`),
}

func checkHiddenText(in *input) bool {
	html := in.msg.BodyHTML
	if html == "" {
		return false
	}
	for _, re := range hidingRes {
		if re.MatchString(html) {
			return true
		}
	}
	return false
}

var (
	imgTagRe = regexp.MustCompile(`(?i)<img\s+[^>]*>`)
	anyTagRe = regexp.MustCompile(`<[^>]+>`)
)

func checkExcessiveImages(in *input) bool {
	html := in.msg.BodyHTML
	if html == "" {
		return false
	}
	images := len(imgTagRe.FindAllString(html, -1))
	textLen := len(anyTagRe.ReplaceAllString(html, ""))
	if textLen < 100 && images > 2 {
		return true
	}
	return images > 10
}

func checkMissingMessageID(in *input) bool {
	return in.msg.MessageID == ""
}

func checkInvalidDate(in *input) bool {
	date := in.msg.Date
	if date == "" {
		return true
	}
	return !strings.Contains(date, "GMT") &&
		!strings.Contains(date, "UTC") &&
		!strings.Contains(date, "+")
}

func checkMultipleFrom(in *input) bool {
	return len(in.msg.FromHeaders) > 1
}

var privateIPRe = regexp.MustCompile(`(10\.|172\.1[6-9]\.|172\.2[0-9]\.|172\.3[01]\.|192\.168\.)`)

func checkForgedReceived(in *input) bool {
	if in.peerIP == nil || in.peerIP.IsPrivate() || in.peerIP.IsLoopback() {
		return false
	}
	for _, h := range in.msg.Received {
		if privateIPRe.MatchString(h) {
			return true
		}
	}
	return false
}

func checkBase64Text(in *input) bool {
	return in.msg.PlainTextBase64
}

func checkNoText(in *input) bool {
	return len(strings.TrimSpace(in.msg.AllText())) < 10
}

func checkMostlyHTML(in *input) bool {
	return in.msg.BodyHTML != "" && in.msg.BodyText == ""
}
