package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/ingest"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/queue"
	"github.com/pablobfonseca/go-meal-vector/search"
	"github.com/pablobfonseca/go-meal-vector/worker"
)

const dayLayout = "2006-01-02"

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)
	if err := r.ParseMultipartForm(s.cfg.MaxUpload); err != nil {
		return errortypes.Validation("invalid multipart form: " + err.Error())
	}
	return nil
}

type upload struct {
	data        []byte
	filename    string
	contentType string
}

func readFile(fh *multipart.FileHeader) (upload, error) {
	f, err := fh.Open()
	if err != nil {
		return upload{}, errortypes.Validation("failed to open upload: " + err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return upload{}, errortypes.Validation("failed to read upload: " + err.Error())
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	return upload{data: data, filename: fh.Filename, contentType: ct}, nil
}

func formFile(r *http.Request, field string) (*upload, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, nil
	}
	u, err := readFile(r.MultipartForm.File[field][0])
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// parseTime accepts RFC 3339 or a plain day in loc. Empty means zero.
func parseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dayLayout, value, loc)
	if err != nil {
		return time.Time{}, errortypes.Validation(fmt.Sprintf("invalid time %q, want RFC 3339 or YYYY-MM-DD", value))
	}
	return t, nil
}

// dateRange builds the day range of a search. A single bound covers one day.
func dateRange(start, end string, loc *time.Location) (*filter.DateRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" {
		start = end
	}
	if end == "" {
		end = start
	}
	s, err := parseTime(start, loc)
	if err != nil {
		return nil, err
	}
	e, err := parseTime(end, loc)
	if err != nil {
		return nil, err
	}
	if e.Before(s) {
		return nil, errortypes.Validation("end_date is before start_date")
	}
	return &filter.DateRange{Start: s, End: e}, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) ingestImage(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	file, err := formFile(r, "image")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if file == nil {
		s.writeError(w, errortypes.Validation("image is required"))
		return
	}
	mealType, err := models.ParseMealType(r.FormValue("meal_type"))
	if err != nil {
		s.writeError(w, errortypes.Validation(err.Error()))
		return
	}
	capturedAt, err := parseTime(r.FormValue("captured_at"), s.cfg.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res := s.deps.Ingest.Ingest(r.Context(), ingest.Item{
		Image:       file.data,
		Filename:    file.filename,
		ContentType: file.contentType,
		OwnerID:     r.FormValue("owner_id"),
		MealType:    mealType,
		CapturedAt:  capturedAt,
	})
	if res.Item != nil {
		item := *res.Item
		item.Embedding = nil
		res.Item = &item
	}
	if !res.Success {
		writeJSON(w, stageStatus(res.ErrorStage), res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) ingestBulk(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		s.writeError(w, errortypes.Validation("at least one image is required"))
		return
	}
	mealType, err := models.ParseMealType(r.FormValue("meal_type"))
	if err != nil {
		s.writeError(w, errortypes.Validation(err.Error()))
		return
	}
	capturedAt, err := parseTime(r.FormValue("captured_at"), s.cfg.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts := ingest.BulkOptions{Notes: r.FormValue("notes")}
	if v := r.FormValue("fast_path"); v != "" {
		if opts.FastPath, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, errortypes.Validation("fast_path must be a boolean"))
			return
		}
	}
	if v := r.FormValue("chunk_size"); v != "" {
		if opts.ChunkSize, err = strconv.Atoi(v); err != nil || opts.ChunkSize < 0 {
			s.writeError(w, errortypes.Validation("chunk_size must be a positive integer"))
			return
		}
	}

	items := make([]ingest.Item, 0, len(files))
	for _, fh := range files {
		u, err := readFile(fh)
		if err != nil {
			s.writeError(w, err)
			return
		}
		items = append(items, ingest.Item{
			Image:       u.data,
			Filename:    u.filename,
			ContentType: u.contentType,
			MealType:    mealType,
			CapturedAt:  capturedAt,
		})
	}

	if s.deps.Tasks != nil {
		id, err := worker.Submit(r.Context(), s.deps.Tasks, s.deps.Blobs, s.cfg.Bucket, items, opts, s.logger)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": queue.StatusQueued, "total": len(items)})
		return
	}

	res := s.deps.Ingest.IngestBulk(r.Context(), items, opts)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task queue is not enabled"})
		return
	}
	id := mux.Vars(r)["id"]
	status, err := s.deps.Tasks.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status == queue.StatusUnknown {
		s.writeError(w, errortypes.NotFound(fmt.Sprintf("task %s not found", id)))
		return
	}
	result, err := s.deps.Tasks.Result(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": status, "result": result})
}

type searchRequest struct {
	QueryText      string   `json:"query_text"`
	OwnerID        string   `json:"owner_id"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	MealTypes      []string `json:"meal_types"`
	TopK           int      `json:"top_k"`
	ScoreThreshold *float64 `json:"score_threshold"`
	SessionID      string   `json:"session_id"`
}

// parseQuery reads a search from a JSON body or a multipart form carrying an
// optional image.
func (s *Server) parseQuery(w http.ResponseWriter, r *http.Request) (search.Query, error) {
	var (
		req   searchRequest
		image *upload
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := s.parseForm(w, r); err != nil {
			return search.Query{}, err
		}
		var err error
		if image, err = formFile(r, "image"); err != nil {
			return search.Query{}, err
		}
		req = searchRequest{
			QueryText: r.FormValue("query_text"),
			OwnerID:   r.FormValue("owner_id"),
			StartDate: r.FormValue("start_date"),
			EndDate:   r.FormValue("end_date"),
			MealTypes: splitList(r.MultipartForm.Value["meal_types"]),
			SessionID: r.FormValue("session_id"),
		}
		if v := r.FormValue("top_k"); v != "" {
			if req.TopK, err = strconv.Atoi(v); err != nil {
				return search.Query{}, errortypes.Validation("top_k must be an integer")
			}
		}
		if v := r.FormValue("score_threshold"); v != "" {
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return search.Query{}, errortypes.Validation("score_threshold must be a number")
			}
			req.ScoreThreshold = &t
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return search.Query{}, errortypes.Validation("invalid request: " + err.Error())
		}
	}

	dates, err := dateRange(req.StartDate, req.EndDate, s.cfg.Location)
	if err != nil {
		return search.Query{}, err
	}
	for i, m := range req.MealTypes {
		mt, err := models.ParseMealType(m)
		if err != nil {
			return search.Query{}, errortypes.Validation(err.Error())
		}
		req.MealTypes[i] = string(mt)
	}
	q := search.Query{
		Text:           req.QueryText,
		OwnerID:        req.OwnerID,
		Dates:          dates,
		MealTypes:      req.MealTypes,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		SessionID:      req.SessionID,
	}
	if image != nil {
		q.Image = image.data
		q.ImageName = image.filename
	}
	return q, nil
}

func (s *Server) writeSearch(w http.ResponseWriter, res *search.Result) {
	if !res.Success {
		writeJSON(w, stageStatus(res.ErrorStage), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) searchImages(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSearch(w, s.deps.Search.Search(r.Context(), q))
}

func (s *Server) searchBulk(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSearch(w, s.deps.Search.SearchBulk(r.Context(), q))
}

// collection picks the bulk collection with ?collection=bulk.
func (s *Server) collection(r *http.Request) string {
	if r.URL.Query().Get("collection") == "bulk" {
		return s.cfg.BulkCollection
	}
	return s.cfg.Collection
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Media.Fetch(r.Context(), s.collection(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) getItemImage(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Media.Fetch(r.Context(), s.collection(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", item.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(item.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.Image)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Media.Delete(r.Context(), s.collection(r), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	collection := s.collection(r)
	orphans, err := s.deps.Media.Audit(r.Context(), collection)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": collection, "count": len(orphans), "orphans": orphans})
}

func (s *Server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics reporting is not enabled"})
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errortypes.Validation("days must be a positive integer"))
			return
		}
		days = n
	}
	summary, err := s.deps.Reporter.Summary(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
