package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// thumbSuffix narrows a remote id to the document's thumbnail instead
// of the document itself.
const thumbSuffix = "#thumb"

// remoteRef is a parsed remote identity: one message in one channel,
// optionally its thumbnail.
type remoteRef struct {
	channelID int64
	messageID int
	thumb     bool
}

// parseRemoteID splits "<channelID>:<messageID>[#thumb]".
func parseRemoteID(remoteID string) (remoteRef, error) {
	id, thumb := strings.CutSuffix(remoteID, thumbSuffix)

	channel, message, ok := strings.Cut(id, ":")
	if !ok {
		return remoteRef{}, fmt.Errorf("telegram: remote id %q is not <channel>:<message>", remoteID)
	}

	cid, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return remoteRef{}, fmt.Errorf("telegram: remote id %q: bad channel id: %w", remoteID, err)
	}

	mid, err := strconv.Atoi(message)
	if err != nil {
		return remoteRef{}, fmt.Errorf("telegram: remote id %q: bad message id: %w", remoteID, err)
	}

	if cid <= 0 || mid <= 0 {
		return remoteRef{}, fmt.Errorf("telegram: remote id %q: ids must be positive", remoteID)
	}

	return remoteRef{channelID: cid, messageID: mid, thumb: thumb}, nil
}

// FormatRemoteID builds the canonical remote id for a channel message.
func FormatRemoteID(channelID int64, messageID int, thumb bool) string {
	id := strconv.FormatInt(channelID, 10) + ":" + strconv.Itoa(messageID)
	if thumb {
		id += thumbSuffix
	}

	return id
}
