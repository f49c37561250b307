package engine

import (
	"strings"
	"time"
)

// JobStatus is the processing state of a Job.
type JobStatus string

// Job statuses persisted in the jobs collection.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// Active reports whether the status still occupies a quota slot.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusSkipped
}

// JobConfig is the snapshot of generation parameters captured at admission
// time, so a later config change does not alter jobs already queued.
type JobConfig struct {
	QuestionCount   int    `bson:"question_count" json:"question_count"`
	SummaryMaxWords int    `bson:"summary_max_words" json:"summary_max_words"`
	Model           string `bson:"model" json:"model"`
}

// Job is one processing attempt for a (publisher, blog URL) pair.
type Job struct {
	ID          string    `bson:"_id" json:"id"`
	PublisherID string    `bson:"publisher_id" json:"publisher_id"`
	BlogURL     string    `bson:"blog_url" json:"blog_url"`
	Status      JobStatus `bson:"status" json:"status"`
	// Active mirrors Status.Active() so the store can keep a unique index
	// over live jobs only. Maintained by the stores, not by callers.
	Active    bool      `bson:"active" json:"-"`
	Attempts  int       `bson:"attempts" json:"attempts"`
	Error     string    `bson:"error,omitempty" json:"error,omitempty"`
	Config    JobConfig `bson:"config" json:"config"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Publisher is a tenant: a blog owner embedding the widget.
type Publisher struct {
	ID                  string   `bson:"_id" json:"id"`
	Name                string   `bson:"name" json:"name"`
	Domain              string   `bson:"domain" json:"domain"`
	APIKey              string   `bson:"api_key" json:"-"`
	MaxBlogsPerDay      int      `bson:"max_blogs_per_day" json:"max_blogs_per_day"`
	BlogSlotsReserved   int      `bson:"blog_slots_reserved" json:"blog_slots_reserved"`
	WhitelistedBlogURLs []string `bson:"whitelisted_blog_urls,omitempty" json:"whitelisted_blog_urls,omitempty"`
}

// Whitelisted reports whether the normalized URL passes the publisher's
// whitelist. An empty whitelist admits every URL on the publisher's domain.
func (p Publisher) Whitelisted(normalizedURL string) bool {
	if len(p.WhitelistedBlogURLs) == 0 {
		return true
	}
	for _, entry := range p.WhitelistedBlogURLs {
		normalized, err := NormalizeURL(entry)
		if err != nil {
			normalized = strings.TrimSuffix(entry, "/")
		}
		if normalized == normalizedURL {
			return true
		}
	}
	return false
}

// BlogInfo is the metadata attached to fast-path responses.
type BlogInfo struct {
	URL   string `bson:"url" json:"url"`
	Title string `bson:"title" json:"title"`
}

// Question is one generated reader question with its answer.
type Question struct {
	Text   string `bson:"text" json:"text"`
	Answer string `bson:"answer" json:"answer"`
}

// QuestionSet is the durable output of one completed Job, keyed by the
// normalized blog URL. Written once by the worker, read-only afterwards.
type QuestionSet struct {
	ID          string     `bson:"_id" json:"id"`
	BlogURL     string     `bson:"blog_url" json:"blog_url"`
	PublisherID string     `bson:"publisher_id" json:"publisher_id"`
	JobID       string     `bson:"job_id" json:"job_id"`
	BlogInfo    BlogInfo   `bson:"blog_info" json:"blog_info"`
	Questions   []Question `bson:"questions" json:"questions"`
	Summary     string     `bson:"summary" json:"summary"`
	Embedding   []float32  `bson:"embedding,omitempty" json:"-"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
}

// Page is the crawler's view of a fetched blog post.
type Page struct {
	URL      string
	Title    string
	Text     string
	Metadata map[string]string
}
