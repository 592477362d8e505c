package normalizer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// maxFrames caps how many frames are kept per event.
const maxFrames = 50

var (
	// V8: "    at fn (https://x/app.js:10:5)" or "    at https://x/app.js:10:5"
	v8Frame = regexp.MustCompile(`^\s*at\s+(?:(.*?)\s+\()?(.+?):(\d+):(\d+)\)?\s*$`)
	// SpiderMonkey / JavaScriptCore: "fn@https://x/app.js:10:5"
	geckoFrame = regexp.MustCompile(`^\s*(.*?)@(.+?):(\d+):(\d+)\s*$`)
)

// ParseStack extracts frames from a browser stack string. Lines that match
// no known format are skipped, so the result may be empty.
func ParseStack(stack string) []models.StackFrame {
	if strings.TrimSpace(stack) == "" {
		return nil
	}

	var frames []models.StackFrame
	for _, line := range strings.Split(stack, "\n") {
		frame, ok := parseFrame(line)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if len(frames) == maxFrames {
			break
		}
	}
	return frames
}

func parseFrame(line string) (models.StackFrame, bool) {
	line = strings.TrimRight(line, "\r")
	if m := v8Frame.FindStringSubmatch(line); m != nil {
		return buildFrame(m[1], m[2], m[3], m[4])
	}
	if m := geckoFrame.FindStringSubmatch(line); m != nil {
		return buildFrame(m[1], m[2], m[3], m[4])
	}
	return models.StackFrame{}, false
}

func buildFrame(fn, source, line, col string) (models.StackFrame, bool) {
	ln, err := strconv.Atoi(line)
	if err != nil {
		return models.StackFrame{}, false
	}
	cn, err := strconv.Atoi(col)
	if err != nil {
		return models.StackFrame{}, false
	}

	fn = strings.TrimSpace(fn)
	fn = strings.TrimPrefix(fn, "async ")
	// Gecko marks anonymous functions with an empty name or "<anonymous>".
	if fn == "<anonymous>" {
		fn = ""
	}

	return models.StackFrame{
		Function: fn,
		Source:   strings.TrimSpace(source),
		Line:     ln,
		Column:   cn,
	}, true
}
