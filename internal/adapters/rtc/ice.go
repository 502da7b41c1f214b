package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ICEList is the body of the relay's GET /api/ice.
type ICEList struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// StaticICE turns plain STUN urls into ICE servers.
func StaticICE(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// ICEProvider fetches ICE servers from the relay and falls back to a static list.
type ICEProvider struct {
	URL      string
	Fallback []webrtc.ICEServer
	Client   *http.Client
}

func (p *ICEProvider) Servers(ctx context.Context) []webrtc.ICEServer {
	if p == nil {
		return nil
	}
	if p.URL == "" {
		return p.Fallback
	}
	servers, err := p.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("url", p.URL).Msg("ice fetch failed, using static servers")
		return p.Fallback
	}
	return servers
}

func (p *ICEProvider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice servers: status %d", resp.StatusCode)
	}
	var list ICEList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("ice servers: %w", err)
	}
	if len(list.ICEServers) == 0 {
		return nil, fmt.Errorf("ice servers: empty list")
	}
	return list.ICEServers, nil
}
