package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// CursorKind discriminates the continuation token held by a Cursor.
type CursorKind int

const (
	CursorKindNone CursorKind = iota
	CursorKindPageToken
	CursorKindSyncToken
)

func (k CursorKind) String() string {
	switch k {
	case CursorKindNone:
		return "none"
	case CursorKindPageToken:
		return "page_token"
	case CursorKindSyncToken:
		return "sync_token"
	default:
		return "unknown"
	}
}

// Cursor is an opaque continuation token for a listing walk. It holds at most
// one of a page token or a sync token; the two are never combined in one
// request.
type Cursor struct {
	kind  CursorKind
	token string
}

// NoCursor returns the cursor for the first page of a full walk.
func NoCursor() Cursor {
	return Cursor{kind: CursorKindNone}
}

// PageTokenCursor returns a cursor that resumes a pagination walk.
func PageTokenCursor(token string) Cursor {
	if token == "" {
		return NoCursor()
	}
	return Cursor{kind: CursorKindPageToken, token: token}
}

// SyncTokenCursor returns a cursor that starts an incremental walk, listing
// only records changed since the token was issued.
func SyncTokenCursor(token string) Cursor {
	if token == "" {
		return NoCursor()
	}
	return Cursor{kind: CursorKindSyncToken, token: token}
}

func (c Cursor) Kind() CursorKind {
	return c.kind
}

func (c Cursor) Token() string {
	return c.token
}

func (c Cursor) String() string {
	if c.kind == CursorKindNone {
		return "none"
	}
	return fmt.Sprintf("%s:%s", c.kind, c.token)
}

// Page is one decoded listing response.
//
// NextSyncToken is only set on the page that ends a walk, that is, a page
// whose NextPageToken is empty.
type Page[R any] struct {
	Records       []R
	NextPageToken string
	NextSyncToken string
}

// PageFetcher issues one listing request for the given cursor and returns the
// decoded page.
type PageFetcher[R any] func(ctx context.Context, cursor Cursor) (*Page[R], error)

// ErrDone is returned by Stream.Next when no more records are available.
// It is a terminal condition, not a failure.
var ErrDone = errors.New("no more records")

// ConversionError reports a raw record that could not be mapped to its typed
// form. It is terminal for the stream that produced it.
type ConversionError struct {
	Err error
}

func (err *ConversionError) Error() string {
	return fmt.Sprintf("convert record: %s", err.Err)
}

func (err *ConversionError) Unwrap() error {
	return err.Err
}

// Stream is a pull-based lazy sequence of T over a paged listing of raw
// records R. It is forward-only and non-restartable: once Next returns an
// error other than ErrDone, the stream is dead and every later Next returns
// the same error.
//
// A Stream is single-consumer. Calling Next concurrently is a programming
// error.
type Stream[R, T any] struct {
	fetch     PageFetcher[R]
	convert   func(R) (T, error)
	cursor    Cursor
	buf       []R
	syncToken string
	exhausted bool
	err       error
}

// NewStream opens a stream over fetch starting at initial. Each raw record is
// passed through convert before it is yielded.
func NewStream[R, T any](fetch PageFetcher[R], convert func(R) (T, error), initial Cursor) *Stream[R, T] {
	return &Stream[R, T]{
		fetch:   fetch,
		convert: convert,
		cursor:  initial,
	}
}

// Next returns the next record. It returns ErrDone after the last record of
// the last page. Records are yielded in the exact order the remote returned
// them, pages strictly in cursor order.
//
// A fetch or conversion failure is sticky; the failing record is not skipped,
// so retrying Next reproduces the same error.
func (s *Stream[R, T]) Next(ctx context.Context) (T, error) {
	var zero T
	if s.err != nil {
		return zero, s.err
	}
	for len(s.buf) == 0 {
		if s.exhausted {
			return zero, ErrDone
		}
		page, err := s.fetch(ctx, s.cursor)
		if err != nil {
			s.err = fmt.Errorf("fetch page (cursor=%s): %w", s.cursor, err)
			return zero, s.err
		}
		s.buf = page.Records
		if page.NextPageToken != "" {
			s.cursor = PageTokenCursor(page.NextPageToken)
		} else {
			s.exhausted = true
		}
		if page.NextSyncToken != "" {
			s.syncToken = page.NextSyncToken
		}
	}
	v, err := s.convert(s.buf[0])
	if err != nil {
		s.err = &ConversionError{Err: err}
		return zero, s.err
	}
	s.buf = s.buf[1:]
	return v, nil
}

// SyncToken returns the sync token that ended the walk. It reports false
// until the stream is cleanly exhausted, or when the remote never surfaced
// one.
func (s *Stream[R, T]) SyncToken() (string, bool) {
	if s.err != nil || !s.exhausted || len(s.buf) > 0 {
		return "", false
	}
	if s.syncToken == "" {
		return "", false
	}
	return s.syncToken, true
}

// Drain pulls the stream to exhaustion and returns every record in order.
func (s *Stream[R, T]) Drain(ctx context.Context) ([]T, error) {
	items := make([]T, 0, len(s.buf))
	for {
		v, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrDone) {
				return items, nil
			}
			return nil, err
		}
		items = append(items, v)
	}
}

// All returns an iterator over the remaining records. The second value is
// non-nil exactly once, for a terminal failure; exhaustion ends the iteration
// without an error.
func (s *Stream[R, T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrDone) {
					var zero T
					yield(zero, err)
				}
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
