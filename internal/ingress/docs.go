package ingress

import "net/http"

type endpointDoc struct {
	Request  any    `json:"request"`
	Response any    `json:"response"`
	Title    string `json:"title,omitempty"`
}

type apiDocs struct {
	AuthEnabled     bool                   `json:"auth_enabled"`
	AuthHeader      string                 `json:"auth_header"`
	AuthHeaderValue string                 `json:"auth_header_value"`
	Get             map[string]endpointDoc `json:"get"`
	Post            map[string]endpointDoc `json:"post"`
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Http.DocsEnabled {
		s.handleNotFound(w, r)
		return
	}
	s.writeJson(w, http.StatusOK, &apiDocs{
		AuthEnabled:     s.auth.Enabled(),
		AuthHeader:      "Authorization",
		AuthHeaderValue: "<token>",
		Get: map[string]endpointDoc{
			"/":     {Response: "text"},
			"/docs": {Response: "text", Title: "This page =)"},
			"/message/<guid>": {
				Response: "RuntimeItem with events, attachment bodies omitted",
			},
		},
		Post: map[string]endpointDoc{
			"/message/send*": {
				Request:  "MailMessage",
				Response: "RuntimeItem with events, attachment bodies omitted",
			},
		},
	})
}
