// Package wire encodes and decodes the delimited text messages exchanged
// between clients, the manager and workers.
//
// Every body is a kind tag followed by fields, joined by Delimiter:
//
//	new task🤠<reply>🤠<bucket>🤠<list key>🤠<n>[🤠terminate]
//	new image task🤠<reply>🤠<item url>
//	done OCR task🤠<reply>🤠<item url>🤠<text>
//	done task🤠<artifact name>
//	failed task🤠<reason>
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates fields in every message body.
const Delimiter = "🤠"

// TerminateSentinel is the optional last field of a submission that asks the
// manager to stop admitting jobs.
const TerminateSentinel = "terminate"

// Kind is the leading tag of a message body.
type Kind string

const (
	KindSubmission Kind = "new task"
	KindWorkItem   Kind = "new image task"
	KindResult     Kind = "done OCR task"
	KindDone       Kind = "done task"
	KindFailed     Kind = "failed task"
)

// ErrMalformed is returned for bodies that do not decode as the expected kind.
var ErrMalformed = errors.New("malformed message")

// Submission is a client job request.
type Submission struct {
	ReplyTo   string
	Bucket    string
	ListKey   string
	Workers   int
	Terminate bool
}

// WorkItem is one item dispatched to a worker.
type WorkItem struct {
	ReplyTo string
	ItemURL string
}

// Result is a worker's answer for one item.
type Result struct {
	ReplyTo string
	ItemURL string
	Text    string
}

// KindOf returns the kind tag of body without decoding the fields.
func KindOf(body string) Kind {
	tag, _, _ := strings.Cut(body, Delimiter)
	return Kind(tag)
}

// EncodeSubmission encodes a client submission.
func EncodeSubmission(s Submission) string {
	fields := []string{string(KindSubmission), s.ReplyTo, s.Bucket, s.ListKey, strconv.Itoa(s.Workers)}
	if s.Terminate {
		fields = append(fields, TerminateSentinel)
	}
	return strings.Join(fields, Delimiter)
}

// DecodeSubmission decodes a client submission. A trailing field other than
// TerminateSentinel is ignored.
func DecodeSubmission(body string) (Submission, error) {
	fields, err := split(body, KindSubmission, 4, 5)
	if err != nil {
		return Submission{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil || n < 0 {
		return Submission{}, fmt.Errorf("%w: worker hint %q", ErrMalformed, fields[3])
	}
	s := Submission{
		ReplyTo: fields[0],
		Bucket:  fields[1],
		ListKey: fields[2],
		Workers: n,
	}
	if len(fields) == 5 {
		s.Terminate = strings.TrimSpace(fields[4]) == TerminateSentinel
	}
	if s.ReplyTo == "" || s.Bucket == "" || s.ListKey == "" {
		return Submission{}, fmt.Errorf("%w: empty field in %s", ErrMalformed, KindSubmission)
	}
	return s, nil
}

// EncodeWorkItem encodes a work item for a worker.
func EncodeWorkItem(w WorkItem) string {
	return strings.Join([]string{string(KindWorkItem), w.ReplyTo, w.ItemURL}, Delimiter)
}

// DecodeWorkItem decodes a work item.
func DecodeWorkItem(body string) (WorkItem, error) {
	fields, err := split(body, KindWorkItem, 2, 2)
	if err != nil {
		return WorkItem{}, err
	}
	if fields[0] == "" || fields[1] == "" {
		return WorkItem{}, fmt.Errorf("%w: empty field in %s", ErrMalformed, KindWorkItem)
	}
	return WorkItem{ReplyTo: fields[0], ItemURL: fields[1]}, nil
}

// EncodeResult encodes a worker result.
func EncodeResult(r Result) string {
	return strings.Join([]string{string(KindResult), r.ReplyTo, r.ItemURL, r.Text}, Delimiter)
}

// DecodeResult decodes a worker result. The text field is taken verbatim and
// may itself contain the delimiter.
func DecodeResult(body string) (Result, error) {
	tag, rest, ok := strings.Cut(body, Delimiter)
	if !ok || Kind(tag) != KindResult {
		return Result{}, fmt.Errorf("%w: expected %q", ErrMalformed, KindResult)
	}
	fields := strings.SplitN(rest, Delimiter, 3)
	if len(fields) != 3 {
		return Result{}, fmt.Errorf("%w: %s needs 3 fields, got %d", ErrMalformed, KindResult, len(fields))
	}
	if fields[0] == "" || fields[1] == "" {
		return Result{}, fmt.Errorf("%w: empty field in %s", ErrMalformed, KindResult)
	}
	return Result{ReplyTo: fields[0], ItemURL: fields[1], Text: fields[2]}, nil
}

// EncodeDone encodes a job completion notice.
func EncodeDone(artifactName string) string {
	return string(KindDone) + Delimiter + artifactName
}

// DecodeDone decodes a job completion notice.
func DecodeDone(body string) (string, error) {
	fields, err := split(body, KindDone, 1, 1)
	if err != nil {
		return "", err
	}
	return fields[0], nil
}

// EncodeFailed encodes a job failure notice.
func EncodeFailed(reason string) string {
	return string(KindFailed) + Delimiter + strings.ReplaceAll(reason, Delimiter, " ")
}

func split(body string, kind Kind, minFields, maxFields int) ([]string, error) {
	parts := strings.Split(body, Delimiter)
	if Kind(parts[0]) != kind {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrMalformed, kind, parts[0])
	}
	fields := parts[1:]
	if len(fields) < minFields || len(fields) > maxFields {
		return nil, fmt.Errorf("%w: %s has %d fields", ErrMalformed, kind, len(fields))
	}
	return fields, nil
}
