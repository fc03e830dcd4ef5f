package runtime

import (
	"net/http"
	"strings"

	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

// EndpointsPath is where the metrics server exposes the endpoint report.
const EndpointsPath = "/endpoints"

// EndpointsReport is the JSON body served on EndpointsPath.
type EndpointsReport struct {
	Service    string          `json:"service"`
	InstanceID string          `json:"instance_id"`
	Resource   ResourceUsage   `json:"resource"`
	Endpoints  []EndpointStats `json:"endpoints"`
}

// Report returns the current stats of every registered endpoint.
func (s *Star) Report() EndpointsReport {
	return EndpointsReport{
		Service:    s.Conf.ServiceName,
		InstanceID: s.InstanceID,
		Resource:   s.resources.Snapshot(),
		Endpoints:  s.stats.Snapshot(),
	}
}

func (s *Star) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := jsoncodec.Marshal(s.Report())
	if err != nil {
		s.Logger.Error("Failed to encode endpoints", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Star) allowedOrigin(origin string) string {
	for _, allowed := range s.Conf.EndpointsCORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
