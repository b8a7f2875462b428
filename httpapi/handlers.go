package httpapi

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nats3bridge/nats3/catalog"
	"github.com/nats3bridge/nats3/job"
)

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// storeJobDTO is the wire representation of a job.StoreJob.
type storeJobDTO struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    job.Status `json:"status"`
	Desired   job.Status `json:"desired"`
	Reason    string     `json:"reason,omitempty"`
	Stream    string     `json:"stream"`
	Consumer  string      `json:"consumer,omitempty"`
	Subject   string     `json:"subject"`
	Bucket    string     `json:"bucket"`
	Prefix    string     `json:"prefix,omitempty"`
	MaxBytes  int64      `json:"max_bytes,omitempty"`
	MaxCount  int        `json:"max_count,omitempty"`
	MaxAgeSec float64    `json:"max_age_seconds,omitempty"`
	Codec     job.Codec  `json:"codec"`
}

func toStoreJobDTO(j job.StoreJob) storeJobDTO {
	return storeJobDTO{
		ID: j.ID.String(), Name: j.Name, Status: j.Status, Desired: j.Desired, Reason: j.Reason,
		Stream: j.Stream, Consumer: j.Consumer, Subject: j.Subject, Bucket: j.Bucket, Prefix: j.Prefix,
		MaxBytes: j.Batch.MaxBytes, MaxCount: j.Batch.MaxCount, MaxAgeSec: j.Batch.MaxAge.Seconds(),
		Codec: j.Codec,
	}
}

type createStoreJobRequest struct {
	Name      string  `json:"name"`
	Stream    string  `json:"stream"`
	Consumer  string  `json:"consumer"`
	Subject   string  `json:"subject"`
	Bucket    string  `json:"bucket"`
	Prefix    string  `json:"prefix"`
	MaxBytes  int64   `json:"max_bytes"`
	MaxCount  int     `json:"max_count"`
	MaxAgeSec float64 `json:"max_age_seconds"`
	Codec     job.Codec `json:"codec"`
	Desired   job.Status `json:"desired"`
}

func (s *Server) listStoreJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	jobs, err := s.cat.ListStoreJobs(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]storeJobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toStoreJobDTO(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createStoreJob(w http.ResponseWriter, r *http.Request) {
	var req createStoreJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Stream == "" || req.Subject == "" || req.Bucket == "" {
		http.Error(w, "name, stream, subject and bucket are required", http.StatusBadRequest)
		return
	}
	codec := req.Codec
	if codec == "" {
		codec = job.CodecBinary
	}
	desired := req.Desired
	if desired == "" {
		desired = job.Running
	}

	now := time.Now().UTC()
	j := job.StoreJob{
		Common: job.Common{
			ID: job.NewID(), Name: req.Name, Kind: job.KindStore, Desired: desired,
			CreatedAt: now, UpdatedAt: now,
		},
		Stream: req.Stream, Consumer: req.Consumer, Subject: req.Subject, Bucket: req.Bucket, Prefix: req.Prefix,
		Batch: job.Batch{MaxBytes: req.MaxBytes, MaxCount: req.MaxCount, MaxAge: secondsToDuration(req.MaxAgeSec)},
		Codec: codec,
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.CreateStoreJob(ctx, j); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStoreJobDTO(j))
}

func (s *Server) getStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	j, err := s.cat.GetStoreJob(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoreJobDTO(j))
}

func (s *Server) deleteStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Delete(ctx, id, job.KindStore); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Pause(ctx, id, job.KindStore); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeStoreJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Resume(ctx, id, job.KindStore); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadJobDTO is the wire representation of a job.LoadJob.
type loadJobDTO struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        job.Status `json:"status"`
	Desired       job.Status `json:"desired"`
	Reason        string     `json:"reason,omitempty"`
	Bucket        string     `json:"bucket"`
	Prefix        string     `json:"prefix,omitempty"`
	Stream        string     `json:"stream,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	WriteSubject  string     `json:"write_subject"`
	PollIntervalS float64    `json:"poll_interval_seconds,omitempty"`
	DeleteChunks  bool       `json:"delete_chunks"`
}

func toLoadJobDTO(j job.LoadJob) loadJobDTO {
	return loadJobDTO{
		ID: j.ID.String(), Name: j.Name, Status: j.Status, Desired: j.Desired, Reason: j.Reason,
		Bucket: j.Bucket, Prefix: j.Prefix, Stream: j.Stream, Subject: j.Subject, WriteSubject: j.WriteSubject,
		PollIntervalS: j.PollInterval.Seconds(), DeleteChunks: j.DeleteChunks,
	}
}

type createLoadJobRequest struct {
	Name          string     `json:"name"`
	Bucket        string     `json:"bucket"`
	Prefix        string     `json:"prefix"`
	Stream        string     `json:"stream"`
	Subject       string     `json:"subject"`
	WriteSubject  string     `json:"write_subject"`
	PollIntervalS float64    `json:"poll_interval_seconds"`
	DeleteChunks  bool       `json:"delete_chunks"`
	Desired       job.Status `json:"desired"`
}

func (s *Server) listLoadJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	jobs, err := s.cat.ListLoadJobs(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]loadJobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toLoadJobDTO(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createLoadJob(w http.ResponseWriter, r *http.Request) {
	var req createLoadJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Bucket == "" || req.WriteSubject == "" {
		http.Error(w, "name, bucket and write_subject are required", http.StatusBadRequest)
		return
	}
	desired := req.Desired
	if desired == "" {
		desired = job.Running
	}

	now := time.Now().UTC()
	j := job.LoadJob{
		Common: job.Common{
			ID: job.NewID(), Name: req.Name, Kind: job.KindLoad, Desired: desired,
			CreatedAt: now, UpdatedAt: now,
		},
		Bucket: req.Bucket, Prefix: req.Prefix, Stream: req.Stream, Subject: req.Subject,
		WriteSubject: req.WriteSubject, PollInterval: secondsToDuration(req.PollIntervalS),
		DeleteChunks: req.DeleteChunks,
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.CreateLoadJob(ctx, j); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoadJobDTO(j))
}

func (s *Server) getLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	j, err := s.cat.GetLoadJob(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoadJobDTO(j))
}

func (s *Server) deleteLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Delete(ctx, id, job.KindLoad); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Pause(ctx, id, job.KindLoad); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeLoadJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.super.Resume(ctx, id, job.KindLoad); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ = catalog.ErrNotFound
