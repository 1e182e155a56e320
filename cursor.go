package streamstore

import "context"

// StreamReadResult is the outcome of a stream read: a status, the stream's
// last version at the time of the initial page read, and a lazy sequence of
// messages. A ReadStatusStreamNotFound result has an empty sequence.
type StreamReadResult struct {
	Status            ReadStatus
	LastStreamVersion int

	cursor *streamCursor
}

// Next returns the next message in the sequence. The second return value is
// false when the sequence is exhausted. Pages are fetched on demand; the
// context cancels the in-flight page fetch.
func (r *StreamReadResult) Next(ctx context.Context) (StreamMessage, bool, error) {
	if r.cursor == nil {
		return StreamMessage{}, false, nil
	}
	return r.cursor.next(ctx)
}

// AllReadResult is the outcome of a global-log read: a lazy sequence of
// messages across all streams.
type AllReadResult struct {
	FromPosition int64

	cursor *allCursor
}

// Next returns the next message in the sequence; false when exhausted.
func (r *AllReadResult) Next(ctx context.Context) (StreamMessage, bool, error) {
	if r.cursor == nil {
		return StreamMessage{}, false, nil
	}
	return r.cursor.next(ctx)
}

// streamCursor walks a stream page by page. Forward iteration truncates at
// the bound captured from the first page so a long read observes a consistent
// snapshot of the stream even while appends continue.
type streamCursor struct {
	store     *ReadOnlyStore
	streamID  string
	direction ReadDirection
	prefetch  bool
	maxCount  int
	bound     int

	page     ReadStreamPage
	idx      int
	finished bool
}

func (c *streamCursor) next(ctx context.Context) (StreamMessage, bool, error) {
	for {
		if c.finished {
			return StreamMessage{}, false, nil
		}
		if c.idx < len(c.page.Messages) {
			m := c.page.Messages[c.idx]
			c.idx++
			if c.direction == ReadForward && m.StreamVersion > c.bound {
				c.finished = true
				return StreamMessage{}, false, nil
			}
			return m, true, nil
		}
		if c.page.IsEnd {
			c.finished = true
			return StreamMessage{}, false, nil
		}
		page, err := c.store.readStreamPage(ctx, c.streamID, c.page.NextStreamVersion, c.maxCount, c.direction, c.prefetch)
		if err != nil {
			return StreamMessage{}, false, err
		}
		if page.Status != ReadStatusSuccess {
			// Stream deleted between pages; the sequence simply ends.
			c.finished = true
			return StreamMessage{}, false, nil
		}
		c.page = page
		c.idx = 0
	}
}

// allCursor walks the global log page by page. No snapshot bound applies.
type allCursor struct {
	store     *ReadOnlyStore
	direction ReadDirection
	prefetch  bool
	pageSize  int

	page     ReadAllPage
	idx      int
	finished bool
}

func (c *allCursor) next(ctx context.Context) (StreamMessage, bool, error) {
	for {
		if c.finished {
			return StreamMessage{}, false, nil
		}
		if c.idx < len(c.page.Messages) {
			m := c.page.Messages[c.idx]
			c.idx++
			return m, true, nil
		}
		if c.page.IsEnd {
			c.finished = true
			return StreamMessage{}, false, nil
		}
		page, err := c.store.readAllPage(ctx, c.page.NextPosition, c.pageSize, c.direction, c.prefetch)
		if err != nil {
			return StreamMessage{}, false, err
		}
		c.page = page
		c.idx = 0
	}
}
