package state

import (
	"sort"

	"inbox-sync/internal/models"
)

// Reorder sorts chats in place: pinned chats first, then the rest, each group
// by last message time, newest first. Ties keep their previous relative order.
func Reorder(chats []models.Chat) []models.Chat {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return a.LastMessageTime.After(b.LastMessageTime)
	})
	return chats
}

// MergeSnapshot folds a server row into the local chat. The local last message
// wins when it is at least as recent as the snapshot's, so a slow poll or a late
// broadcast cannot roll back a message the user just sent. Every other field
// comes from the snapshot; the loaded message list always stays local.
func MergeSnapshot(local, snapshot models.Chat) models.Chat {
	merged := snapshot
	merged.Messages = local.Messages
	if snapshot.Tags == nil {
		merged.Tags = local.Tags
	}
	if !local.LastMessageTime.Before(snapshot.LastMessageTime) {
		merged.LastMessage = local.LastMessage
		merged.LastMessageTime = local.LastMessageTime
	}
	return merged
}

// MergeSummary applies a polling row with the same rule as MergeSnapshot.
func MergeSummary(local models.Chat, summary models.ChatSummary) models.Chat {
	local.UnreadCount = summary.UnreadCount
	local.Status = summary.Status
	if summary.LastMessageTime.After(local.LastMessageTime) {
		local.LastMessage = summary.LastMessage
		local.LastMessageTime = summary.LastMessageTime
	}
	return local
}
