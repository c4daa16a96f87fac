package syncer

import (
	"github.com/rs/zerolog"

	"github.com/thumperward/bandcamp-downloader/bandcamp/types"
	"github.com/thumperward/bandcamp-downloader/unit"
)

// Observer receives per-item download lifecycle and byte-level progress.
// Rendering is the caller's concern. totalBytes is -1 when the remote
// response declares no length. Callbacks may arrive concurrently from
// different workers.
type Observer interface {
	ItemStarted(item types.CollectionItem, totalBytes int64)
	ItemProgress(item types.CollectionItem, receivedBytes, totalBytes int64)
	ItemCompleted(item types.CollectionItem)
	ItemSkipped(item types.CollectionItem, reason string)
	ItemFailed(item types.CollectionItem, reason string)
}

type NopObserver struct{}

func (NopObserver) ItemStarted(types.CollectionItem, int64)          {}
func (NopObserver) ItemProgress(types.CollectionItem, int64, int64)  {}
func (NopObserver) ItemCompleted(types.CollectionItem)               {}
func (NopObserver) ItemSkipped(types.CollectionItem, string)         {}
func (NopObserver) ItemFailed(types.CollectionItem, string)          {}

// LogObserver reports lifecycle events through a zerolog logger. Byte
// progress is deliberately not logged per chunk; it would swamp the log.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) ItemStarted(item types.CollectionItem, totalBytes int64) {
	o.Logger.
		Info().
		Str("item", item.DisplayName()).
		Int64("total_mib", totalBytes/unit.Mebibyte).
		Msg("Downloading item")
}

func (o LogObserver) ItemProgress(types.CollectionItem, int64, int64) {}

func (o LogObserver) ItemCompleted(item types.CollectionItem) {
	o.Logger.Info().Str("item", item.DisplayName()).Msg("Item completed")
}

func (o LogObserver) ItemSkipped(item types.CollectionItem, reason string) {
	o.Logger.Info().Str("item", item.DisplayName()).Str("reason", reason).Msg("Item skipped")
}

func (o LogObserver) ItemFailed(item types.CollectionItem, reason string) {
	o.Logger.Error().Str("item", item.DisplayName()).Str("reason", reason).Msg("Item failed")
}
