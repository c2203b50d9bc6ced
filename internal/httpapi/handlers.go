package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"linkmux/internal/broadcast"
	"linkmux/internal/control"
)

type errorBody struct {
	Error   string             `json:"error"`
	Code    control.Code       `json:"code"`
	Results []broadcast.Result `json:"results,omitempty"`
}

type groupView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

func abortWith(c *gin.Context, status int, code control.Code, detail string) {
	c.AbortWithStatusJSON(status, errorBody{Error: detail, Code: code})
}

func httpStatus(code control.Code) int {
	switch code {
	case control.CodeInvalid, control.CodeNotConnected:
		return http.StatusBadRequest
	case control.CodeAborted:
		return http.StatusConflict
	case control.CodeTimeout:
		return http.StatusGatewayTimeout
	case control.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error, results []broadcast.Result) {
	code := control.CodeOf(err)
	if code == "" {
		code = control.CodeFailed
	}
	c.AbortWithStatusJSON(httpStatus(code), errorBody{Error: err.Error(), Code: code, Results: results})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status(c.GetString(ctxTenant)))
}

func (s *Server) connect(c *gin.Context) {
	id := c.GetString(ctxTenant)
	if err := s.ctl.Connect(c.Request.Context(), id); err != nil {
		fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Status(id))
}

func (s *Server) logout(c *gin.Context) {
	id := c.GetString(ctxTenant)
	if err := s.ctl.Logout(c.Request.Context(), id); err != nil {
		fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) groups(c *gin.Context) {
	groups, err := s.ctl.Groups(c.Request.Context(), c.GetString(ctxTenant))
	if err != nil {
		fail(c, err, nil)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{ID: g.ID, Name: g.Name, Participants: len(g.Participants)})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (s *Server) runs(c *gin.Context) {
	runs := s.ctl.Runs(c.GetString(ctxTenant))
	if runs == nil {
		runs = []broadcast.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"broadcasts": runs})
}

// send accepts multipart/form-data with "message", "recipients" (a JSON array
// of strings) and an optional "file".
func (s *Server) send(c *gin.Context) {
	opts, _ := s.options()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)

	if err := c.Request.ParseMultipartForm(opts.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			abortWith(c, http.StatusRequestEntityTooLarge, control.CodeInvalid, "upload too large")
			return
		}
		abortWith(c, http.StatusBadRequest, control.CodeInvalid, "expected multipart form: "+err.Error())
		return
	}

	recipients, err := parseRecipients(c.PostForm("recipients"))
	if err != nil {
		abortWith(c, http.StatusBadRequest, control.CodeInvalid, err.Error())
		return
	}

	var att *broadcast.Attachment
	if fh, err := c.FormFile("file"); err == nil {
		att, err = readAttachment(fh)
		if err != nil {
			abortWith(c, http.StatusBadRequest, control.CodeInvalid, "read file: "+err.Error())
			return
		}
	} else if !errors.Is(err, http.ErrMissingFile) {
		abortWith(c, http.StatusBadRequest, control.CodeInvalid, "read file: "+err.Error())
		return
	}

	results, err := s.ctl.Send(c.Request.Context(), c.GetString(ctxTenant), c.PostForm("message"), recipients, att)
	if err != nil {
		fail(c, err, results)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func parseRecipients(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("recipients is required")
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.New("recipients must be a JSON array of strings")
	}
	return list, nil
}

func readAttachment(fh *multipart.FileHeader) (*broadcast.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	mime := fh.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &broadcast.Attachment{Data: data, MimeType: mime, FileName: fh.Filename}, nil
}
