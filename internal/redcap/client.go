// Package redcap exports users and participants from the yearly REDCap
// projects of the study and turns them into validated records.
package redcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/studyreports/apiserver/config"
	"github.com/studyreports/apiserver/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 512
	contentUser     = "user"
	contentRecord   = "record"
	formContentType = "application/x-www-form-urlencoded"
)

// Client talks to the REDCap API. It is safe for concurrent use.
type Client struct {
	url        string
	projects   []config.REDCapProject
	events     []string
	timeout    time.Duration
	httpClient *http.Client
	validate   *validator.Validate
}

// NewClient constructs a client for the configured projects. accessGroups is
// the set of group names records may reference.
func NewClient(cfg config.REDCapConfig, accessGroups []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:        cfg.URL,
		projects:   cfg.Projects,
		events:     cfg.Events,
		timeout:    timeout,
		httpClient: httpClient,
		validate:   newValidator(accessGroups),
	}
}

// Years returns the configured project years in ascending order.
func (c *Client) Years() []int {
	years := make([]int, len(c.projects))
	for i, p := range c.projects {
		years[i] = p.Year
	}
	return years
}

// FetchUsers exports REDCap users of every project year, keeping the latest
// year's entry for each email.
func (c *Client) FetchUsers(ctx context.Context) ([]types.User, error) {
	batches, err := c.fetchAll(ctx, url.Values{"content": {contentUser}})
	if err != nil {
		return nil, err
	}

	users := make([]yearBatch[types.User], len(batches))
	for b, batch := range batches {
		users[b].year = batch.year
		users[b].rows = make([]types.User, 0, len(batch.rows))
		for i, raw := range batch.rows {
			rec := newUserRecord(raw)
			if err := c.check(rec, contentUser, batch.year, i, rec.Email); err != nil {
				return nil, err
			}
			users[b].rows = append(users[b].rows, rec.user())
		}
	}

	return latestByKey(users, func(u types.User) string { return u.Email }), nil
}

// FetchParticipants exports participant records of every project year,
// keeping the latest year's record for each pid. The rows of a record's
// events are merged before validation.
func (c *Client) FetchParticipants(ctx context.Context) ([]types.Participant, error) {
	params := url.Values{
		"content":                {contentRecord},
		"type":                   {"flat"},
		"rawOrLabel":             {"raw"},
		"exportDataAccessGroups": {"true"},
	}
	for i, field := range participantFields {
		params.Set(fmt.Sprintf("fields[%d]", i), field)
	}
	for i, event := range c.events {
		params.Set(fmt.Sprintf("events[%d]", i), event)
	}

	batches, err := c.fetchAll(ctx, params)
	if err != nil {
		return nil, err
	}

	participants := make([]yearBatch[types.Participant], len(batches))
	for b, batch := range batches {
		participants[b].year = batch.year
		participants[b].rows = make([]types.Participant, 0, len(batch.rows))
		for i, raw := range mergeEvents(batch.rows) {
			rec := newParticipantRecord(raw)
			if err := c.check(rec, contentRecord, batch.year, i, rec.PID); err != nil {
				return nil, err
			}
			participants[b].rows = append(participants[b].rows, rec.participant(batch.year))
		}
	}

	out := latestByKey(participants, func(p types.Participant) string { return p.PID })
	if err := uniqueRecordIDs(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) check(rec any, content string, year, index int, key string) error {
	err := c.validate.Struct(rec)
	if err == nil {
		return nil
	}
	fields, other := fieldErrors(err)
	if other != nil {
		return &DecodeError{Content: content, Year: year, Index: index, Key: key, Err: other}
	}
	return &DecodeError{Content: content, Year: year, Index: index, Key: key, Fields: fields}
}

// uniqueRecordIDs rejects two surviving participants that share a record id,
// which happens when yearly projects number their records independently.
func uniqueRecordIDs(participants []types.Participant) error {
	owners := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		if other, ok := owners[p.RecordID]; ok {
			return &DecodeError{
				Content: contentRecord,
				Year:    p.Year,
				Index:   -1,
				Key:     p.PID,
				Err: fmt.Errorf("record id %q is also used by pid %q (year %d)",
					p.RecordID, other.PID, other.Year),
			}
		}
		owners[p.RecordID] = p
	}
	return nil
}

// fetchAll runs one export per project year in parallel.
func (c *Client) fetchAll(ctx context.Context, params url.Values) ([]yearBatch[rawRecord], error) {
	batches := make([]yearBatch[rawRecord], len(c.projects))
	g, ctx := errgroup.WithContext(ctx)
	for i, project := range c.projects {
		g.Go(func() error {
			records, err := c.export(ctx, project, params)
			if err != nil {
				return err
			}
			batches[i] = yearBatch[rawRecord]{year: project.Year, rows: records}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (c *Client) export(ctx context.Context, project config.REDCapProject, params url.Values) ([]rawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"token":        {project.Token},
		"format":       {"json"},
		"returnFormat": {"json"},
	}
	for key, values := range params {
		form[key] = values
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &SourceError{Year: project.Year, Err: err}
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SourceError{Year: project.Year, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return nil, &SourceError{Year: project.Year, Status: resp.StatusCode, Err: errors.New(text)}
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &SourceError{Year: project.Year, Err: ctxErr}
		}
		return nil, &DecodeError{Content: params.Get("content"), Year: project.Year, Index: -1, Err: err}
	}
	return records, nil
}

// String identifies the client in logs without exposing tokens.
func (c *Client) String() string {
	years := make([]string, len(c.projects))
	for i, p := range c.projects {
		years[i] = strconv.Itoa(p.Year)
	}
	return fmt.Sprintf("redcap(%s years=%s)", c.url, strings.Join(years, ","))
}
