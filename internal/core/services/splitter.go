package services

import (
	"log/slog"
	"strings"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// SplitOptions controls the token windowing of SplitBundle.
type SplitOptions struct {
	// ChunkSize is the window width in tokens.
	ChunkSize int

	// Overlap is the requested window overlap; it is clamped to
	// [0, ChunkSize/2].
	Overlap int

	// MaxTokens, when positive, is the encoder window. Chunks exceeding it
	// are logged, never dropped.
	MaxTokens int

	Logger *slog.Logger
}

// SplitBundle slices a bundle's text into overlapping token windows.
// Consecutive windows advance by ChunkSize minus the effective overlap, so
// every token belongs to at least one chunk and boundary context is shared
// between neighbours. Character spans index into the bundle text; a
// whitespace-only window is skipped without consuming a sequence number.
func SplitBundle(bundle *domain.Bundle, tok driven.Tokenizer, opts SplitOptions) []*domain.Chunk {
	if bundle == nil || bundle.Text == "" || opts.ChunkSize < 1 {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokens := tok.Encode(bundle.Text)
	if len(tokens) == 0 {
		return nil
	}

	if opts.MaxTokens > 0 && opts.ChunkSize > opts.MaxTokens {
		logger.Warn("chunk size exceeds encoder window",
			"chunk_size", opts.ChunkSize,
			"max_tokens", opts.MaxTokens,
			"bundle_sequence", bundle.Sequence)
	}

	overlap := opts.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap > opts.ChunkSize/2 {
		overlap = opts.ChunkSize / 2
	}
	step := opts.ChunkSize - overlap
	if step < 1 {
		step = 1
	}

	var chunks []*domain.Chunk
	seq := 0
	for start := 0; start < len(tokens); start += step {
		end := start + opts.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		window := tokens[start:end]
		charStart := window[0].Start
		charEnd := window[len(window)-1].End
		text := strings.TrimSpace(bundle.Text[charStart:charEnd])
		if text == "" {
			continue
		}

		seq++
		if opts.MaxTokens > 0 && len(window) > opts.MaxTokens {
			logger.Error("chunk exceeds encoder window",
				"chunk_sequence", seq,
				"bundle_sequence", bundle.Sequence,
				"tokens", len(window),
				"max_tokens", opts.MaxTokens)
		}
		chunks = append(chunks, &domain.Chunk{
			BundleID:       bundle.ID,
			BundleSequence: bundle.Sequence,
			Sequence:       seq,
			Text:           text,
			TokenCount:     len(window),
			CharStart:      charStart,
			CharEnd:        charEnd,
			Status:         domain.ChunkPending,
		})

		if end == len(tokens) {
			break
		}
	}
	return chunks
}
