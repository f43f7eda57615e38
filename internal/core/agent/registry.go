// Package agent implements the tool-execution loop that sits between an
// HTTP or CLI caller and a backend.Port: skill registration, keyword-based
// relevance filtering (so a single chat turn only pays context budget for
// tools it is likely to need), and the run/run_stream entry points.
package agent

import (
	"sort"
	"strings"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// Registry holds the skills an Agent has loaded and the flattened tool
// list derived from them.
type Registry struct {
	skills map[string]models.Skill
	tools  []models.Tool
	// toolSkill maps a tool name back to the skill that contributed it,
	// for relevance filtering.
	toolSkill map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		skills:    make(map[string]models.Skill),
		toolSkill: make(map[string]string),
	}
}

// Register adds skill and all of its tools. A second registration under
// the same name replaces the first.
func (r *Registry) Register(skill models.Skill) {
	r.skills[skill.Name] = skill
	for _, t := range skill.Tools {
		r.tools = append(r.tools, t)
		r.toolSkill[t.Name] = skill.Name
	}
}

// Skills returns the names of every loaded skill, sorted for stable
// listing output.
func (r *Registry) Skills() []string {
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Skill returns the named skill and whether it was found.
func (r *Registry) Skill(name string) (models.Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Tools returns every tool from every loaded skill, in registration order.
func (r *Registry) Tools() []models.Tool {
	out := make([]models.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// skillKeywords maps a skill name to the substrings whose presence in
// a lowercased user message marks that skill relevant. The map is
// data: tuning relevance means editing rows here, not code.
var skillKeywords = map[string][]string{
	"datetime":  {"time", "date", "today", "now", "calendar", "schedule", "when", "hour", "minute"},
	"math":      {"calculate", "math", "sum", "multiply", "divide", "equation", "number", "factorial", "sqrt", "2+2", "2 + 2"},
	"text":      {"text", "string", "word", "count", "uppercase", "lowercase", "slug", "reverse", "trim"},
	"json":      {"json", "parse json", "format json", "validate json"},
	"yaml":      {"yaml", "yml", "config file"},
	"csv":       {"csv", "spreadsheet", "comma separated"},
	"crypto":    {"hash", "md5", "sha256", "sha", "encrypt", "decrypt", "base64", "encode", "decode", "hmac"},
	"pdf":       {"pdf", "document", "report"},
	"code":      {"code", "program", "script", "function", "class", "python", "javascript", "generate code"},
	"sql":       {"sql", "query", "database", "select from", "insert into"},
	"git":       {"git", "commit", "branch", "merge", "repository", "repo", "diff", "status"},
	"http":      {"http", "api", "request", "fetch", "endpoint", "rest"},
	"fs":        {"file", "folder", "directory", "read file", "write file", "list files", "delete file", "copy file"},
	"archive":   {"zip", "tar", "compress", "extract", "archive", "unzip"},
	"regex":     {"regex", "pattern", "regular expression", "match pattern"},
	"translate": {"translate", "translation", "spanish", "english", "french", "german"},
	"image":     {"image", "picture", "photo", "resize image", "crop", "png", "jpg", "jpeg"},
	"video":     {"video", "movie", "clip", "ffmpeg", "mp4"},
	"audio":     {"audio", "sound", "music", "mp3", "wav", "recording"},
	"weather":   {"weather", "temperature", "forecast", "rain", "sunny"},
	"email":     {"email", "mail", "send email", "smtp"},
	"docker":    {"docker", "container", "compose", "dockerfile"},
	"ssh":       {"ssh", "remote server", "connect to server"},
	"qr":        {"qr", "qrcode", "qr code"},
	"barcode":   {"barcode", "ean", "upc"},
	"ocr":       {"ocr", "text from image", "extract text", "recognize text"},
	"voice":     {"voice", "speech", "tts", "speak", "transcribe", "whisper", "audio to text"},
}

// coreSkills are always searched when keyword matching surfaces too
// few tools.
var coreSkills = []string{"datetime", "math", "text", "fs", "json"}

// minRelevantTools is the threshold below which RelevantTools falls back
// to coreSkills.
const minRelevantTools = 3

// DefaultMaxTools caps how many tools a single turn may expose to the
// model, bounding prompt size.
const DefaultMaxTools = 30

// RelevantTools selects the subset of r's tools whose owning skill
// matches a keyword found in userInput, always including the datetime
// skill. If fewer than minRelevantTools tools match, it falls back to
// every tool from coreSkills. The result is capped at maxTools (if
// maxTools <= 0, DefaultMaxTools is used).
func (r *Registry) RelevantTools(userInput string, maxTools int) []models.Tool {
	if maxTools <= 0 {
		maxTools = DefaultMaxTools
	}
	lower := strings.ToLower(userInput)

	matched := map[string]bool{"datetime": true}
	for skill, keywords := range skillKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matched[skill] = true
				break
			}
		}
	}

	relevant := r.toolsForSkills(matched, maxTools)
	if len(relevant) < minRelevantTools {
		fallback := make(map[string]bool, len(coreSkills))
		for _, s := range coreSkills {
			fallback[s] = true
		}
		relevant = r.toolsForSkills(fallback, maxTools)
	}

	if len(relevant) > maxTools {
		relevant = relevant[:maxTools]
	}
	return relevant
}

func (r *Registry) toolsForSkills(skillNames map[string]bool, limit int) []models.Tool {
	out := make([]models.Tool, 0, limit)
	for _, t := range r.tools {
		if skillNames[r.toolSkill[t.Name]] {
			out = append(out, t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}
