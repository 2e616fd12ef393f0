package verify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
)

// errNotJSON marks output that a JSON criterion could not decode. Such a
// check says nothing about the work and leaves the verdict to a reviewer.
var errNotJSON = errors.New("output is not JSON")

// weightOf returns c's weight. Unweighted criteria count once.
func weightOf(c model.Criterion) float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// check evaluates one structured criterion against output. llm criteria
// are graded by the Engine, not here.
func check(c model.Criterion, output string) model.CheckResult {
	res := model.CheckResult{
		Name:     c.Name,
		Kind:     c.Kind,
		Weight:   weightOf(c),
		Required: c.Required,
	}

	switch c.Kind {
	case model.CriterionContains:
		res.Passed = strings.Contains(output, c.Value)
		res.Detail = presence(res.Passed, c.Value)

	case model.CriterionNotContains:
		found := strings.Contains(output, c.Value)
		res.Passed = !found
		res.Detail = presence(found, c.Value)

	case model.CriterionRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			// A broken pattern says nothing about the output.
			res.Ambiguous = true
			res.Detail = fmt.Sprintf("invalid pattern: %v", err)
			break
		}
		res.Passed = re.MatchString(output)
		if res.Passed {
			res.Detail = "pattern matched"
		} else {
			res.Detail = "pattern did not match"
		}

	case model.CriterionJSONField:
		v, err := lookupJSON(output, c.Path)
		if err != nil {
			res.Ambiguous = errors.Is(err, errNotJSON)
			res.Detail = err.Error()
			break
		}
		if c.Value == "" {
			res.Passed = true
			res.Detail = fmt.Sprintf("%s present", c.Path)
			break
		}
		got := scalarString(v)
		res.Passed = got == c.Value
		res.Detail = fmt.Sprintf("%s = %s, want %s", c.Path, got, c.Value)

	case model.CriterionMinLength, model.CriterionMaxLength:
		n := utf8.RuneCountInString(output)
		if c.Kind == model.CriterionMinLength {
			res.Passed = float64(n) >= c.Threshold
		} else {
			res.Passed = float64(n) <= c.Threshold
		}
		res.Detail = fmt.Sprintf("length %d, limit %g", n, c.Threshold)

	case model.CriterionNumericMin:
		v, err := lookupJSON(output, c.Path)
		if err != nil {
			res.Ambiguous = errors.Is(err, errNotJSON)
			res.Detail = err.Error()
			break
		}
		f, ok := toFloat(v)
		if !ok {
			res.Detail = fmt.Sprintf("%s is not a number", displayPath(c.Path))
			break
		}
		res.Passed = f >= c.Threshold
		res.Detail = fmt.Sprintf("%s = %g, minimum %g", displayPath(c.Path), f, c.Threshold)

	default:
		res.Ambiguous = true
		res.Detail = fmt.Sprintf("unknown criterion kind %q", c.Kind)
	}

	if res.Passed {
		res.Score = 100
	}
	return res
}

func presence(found bool, needle string) string {
	if found {
		return fmt.Sprintf("found %q", needle)
	}
	return fmt.Sprintf("missing %q", needle)
}

func displayPath(path string) string {
	if path == "" {
		return "output"
	}
	return path
}

// lookupJSON decodes output and follows a dot path through objects and
// array indexes ("items.0.id"). An empty path returns the whole document.
func lookupJSON(output, path string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(output)))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotJSON, err)
	}
	if path == "" {
		return cur, nil
	}

	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("field %s not found", path)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("field %s not found", path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("field %s not found", path)
		}
	}
	return cur, nil
}

// scalarString renders a decoded JSON value for comparison with a
// criterion's expected value.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
