package videoprovider

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests.
type Fake struct {
	mu          sync.Mutex
	Videos      map[string]VideoStats
	Channels    map[string]ChannelStats
	VideosErr   error
	ChannelsErr error
	Calls       int // number of ListVideos/ListChannels invocations, for quota-path assertions
}

// NewFake builds a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		Videos:   make(map[string]VideoStats),
		Channels: make(map[string]ChannelStats),
	}
}

func (f *Fake) ListVideos(ctx context.Context, videoIDs []string) ([]VideoStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.VideosErr != nil {
		return nil, f.VideosErr
	}
	out := make([]VideoStats, 0, len(videoIDs))
	for _, id := range videoIDs {
		if v, ok := f.Videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *Fake) ListChannels(ctx context.Context, channelIDs []string) ([]ChannelStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.ChannelsErr != nil {
		return nil, f.ChannelsErr
	}
	out := make([]ChannelStats, 0, len(channelIDs))
	for _, id := range channelIDs {
		if c, ok := f.Channels[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// SetVideo registers the stats returned for a video id.
func (f *Fake) SetVideo(v VideoStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Videos[v.VideoID] = v
}

// SetChannel registers the stats returned for a channel id.
func (f *Fake) SetChannel(c ChannelStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[c.ChannelID] = c
}
