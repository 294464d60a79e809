package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// MetaClient covers the non-streaming endpoints of a hosted application:
// app metadata, input parameters, suggested follow-ups and message feedback.
type MetaClient struct {
	client *resty.Client
}

func NewMetaClient(endpoint, apiKey string) *MetaClient {
	return &MetaClient{
		client: resty.New().
			SetBaseURL(endpoint).
			SetAuthToken(apiKey).
			SetTimeout(15 * time.Second),
	}
}

type AppInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type AppParameters struct {
	OpeningStatement   string   `json:"opening_statement"`
	SuggestedQuestions []string `json:"suggested_questions"`
}

func (c *MetaClient) Info(ctx context.Context) (AppInfo, error) {
	var info AppInfo
	err := c.getJSON(ctx, "/info", nil, &info)
	return info, err
}

func (c *MetaClient) Parameters(ctx context.Context) (AppParameters, error) {
	var params AppParameters
	err := c.getJSON(ctx, "/parameters", nil, &params)
	return params, err
}

// SuggestedQuestions fetches follow-up suggestions for a completed message.
func (c *MetaClient) SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error) {
	var body struct {
		Data []string `json:"data"`
	}
	path := fmt.Sprintf("/messages/%s/suggested", messageID)
	if err := c.getJSON(ctx, path, map[string]string{"user": user}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// SendFeedback submits a like/dislike rating for a message. An empty rating
// retracts a previous one.
func (c *MetaClient) SendFeedback(ctx context.Context, messageID, rating, user string) error {
	payload := map[string]any{"user": user}
	if rating == "" {
		payload["rating"] = nil
	} else {
		payload["rating"] = rating
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(fmt.Sprintf("/messages/%s/feedbacks", messageID))
	if err != nil {
		return fmt.Errorf("error sending feedback: %w", err)
	}
	if !res.IsSuccess() {
		return &StatusError{StatusCode: res.StatusCode(), Body: res.String()}
	}
	return nil
}

func (c *MetaClient) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	res, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", path, err)
	}
	if !res.IsSuccess() {
		return &StatusError{StatusCode: res.StatusCode(), Body: res.String()}
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		return fmt.Errorf("error parsing %s response: %w", path, err)
	}
	return nil
}
