package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline-ai/callplane/internal/campaigns"
	"github.com/voxline-ai/callplane/internal/contacts"
	"github.com/voxline-ai/callplane/internal/queue"
	"github.com/voxline-ai/callplane/internal/store"
)

type fakeCampaignReader struct {
	campaign *campaigns.Campaign
}

func (f *fakeCampaignReader) Get(_ context.Context, _ uuid.UUID) (*campaigns.Campaign, error) {
	if f.campaign == nil {
		return nil, campaigns.ErrCampaignNotFound
	}
	return f.campaign, nil
}

type fakeContacts struct{}

func (f *fakeContacts) GetOrCreateByPhone(_ context.Context, _ store.Querier, userID uuid.UUID, rawPhone, source string) (*contacts.Contact, error) {
	return &contacts.Contact{ID: uuid.New(), UserID: userID, Phone: rawPhone, Source: source}, nil
}

type fakeEnqueuer struct {
	requests []queue.EnqueueRequest
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ store.Querier, req queue.EnqueueRequest) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.requests = append(f.requests, req)
	return uuid.New(), nil
}

func postEnqueue(h *CampaignsHandler, campaignID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/campaigns/"+campaignID+"/enqueue", strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("campaignID", campaignID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	h.EnqueueContacts(rec, req)
	return rec
}

func testCampaign() *campaigns.Campaign {
	return &campaigns.Campaign{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		AgentID: uuid.New(),
	}
}

func TestEnqueueContacts_Batch(t *testing.T) {
	campaign := testCampaign()
	enq := &fakeEnqueuer{}
	h := NewCampaignsHandler(&fakeCampaignReader{campaign: campaign}, &fakeContacts{}, enq, nil)

	body := `{"phones": ["+19378962713", "+14155550100", "not-a-number"]}`
	rec := postEnqueue(h, campaign.ID.String(), body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueContactsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Enqueued)
	assert.Equal(t, 1, resp.Skipped)

	require.Len(t, enq.requests, 2)
	for _, req := range enq.requests {
		assert.Equal(t, campaign.UserID, req.UserID)
		assert.Equal(t, campaign.AgentID, req.AgentID)
		assert.Equal(t, queue.PriorityCampaign, req.Priority)
		require.NotNil(t, req.CampaignID)
		assert.Equal(t, campaign.ID, *req.CampaignID)
	}
}

func TestEnqueueContacts_DuplicatesSkipped(t *testing.T) {
	campaign := testCampaign()
	h := NewCampaignsHandler(&fakeCampaignReader{campaign: campaign}, &fakeContacts{}, &fakeEnqueuer{err: queue.ErrAlreadyQueued}, nil)

	rec := postEnqueue(h, campaign.ID.String(), `{"phones": ["+19378962713"]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueContactsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Enqueued)
	assert.Equal(t, 1, resp.Skipped)
}

func TestEnqueueContacts_CampaignNotFound(t *testing.T) {
	h := NewCampaignsHandler(&fakeCampaignReader{}, &fakeContacts{}, &fakeEnqueuer{}, nil)
	rec := postEnqueue(h, uuid.NewString(), `{"phones": ["+19378962713"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueContacts_BadRequests(t *testing.T) {
	h := NewCampaignsHandler(&fakeCampaignReader{campaign: testCampaign()}, &fakeContacts{}, &fakeEnqueuer{}, nil)

	cases := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{"bad campaign id", "nope", `{"phones": ["+19378962713"]}`, http.StatusBadRequest},
		{"not json", uuid.NewString(), `{`, http.StatusBadRequest},
		{"empty phones", uuid.NewString(), `{"phones": []}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postEnqueue(h, tc.id, tc.body)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestEnqueueContacts_BatchTooLarge(t *testing.T) {
	h := NewCampaignsHandler(&fakeCampaignReader{campaign: testCampaign()}, &fakeContacts{}, &fakeEnqueuer{}, nil)

	phones := make([]string, maxBatchSize+1)
	for i := range phones {
		phones[i] = "+19378962713"
	}
	body, err := json.Marshal(EnqueueContactsRequest{Phones: phones})
	require.NoError(t, err)

	rec := postEnqueue(h, uuid.NewString(), string(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
