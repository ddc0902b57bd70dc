package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/db"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/objects"
	"github.com/deemkeen/fedicore/relationships"
	"github.com/deemkeen/fedicore/timeline"
	"github.com/deemkeen/fedicore/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	carol = "https://fedi.example/users/carol"
	dave  = "https://fedi.example/users/dave"
)

type fakeInbox struct {
	authErr    error
	processErr error
	received   []string
}

func (f *fakeInbox) Authenticate(_ context.Context, r *http.Request, _ []byte) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	return r.Header.Get("X-Test-Signer"), nil
}

func (f *fakeInbox) Process(_ context.Context, signer string, body []byte) error {
	f.received = append(f.received, signer+" "+string(body))
	return f.processErr
}

type fixture struct {
	handler http.Handler
	inbox   *fakeInbox
	public  *domain.Object
	direct  *domain.Object
}

func newFixture(t *testing.T, withAp bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	database, err := db.Open(":memory:", log)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(ctx))
	t.Cleanup(func() { database.Close() })
	for _, name := range []string{"carol", "dave"} {
		require.NoError(t, database.CreateAccount(ctx, &domain.Account{
			Id: uuid.New(), Username: name, DisplayName: strings.ToUpper(name),
			WebPublicKey: "-----BEGIN PUBLIC KEY-----", CreatedAt: time.Now(),
		}))
	}

	links := activitypub.NewLinks("fedi.example")
	store := objects.NewStore(database, nil, links, log)
	follows := relationships.NewService(database, nil, links, log)

	_, _, err = follows.Follow(ctx, dave, carol)
	require.NoError(t, err)
	public, _, err := store.Create(ctx, carol, &domain.ObjectInput{
		Type: domain.TypeNote, Visibility: domain.VisibilityPublic, Content: "hello fediverse",
	})
	require.NoError(t, err)
	direct, _, err := store.Create(ctx, carol, &domain.ObjectInput{
		Type: domain.TypeNote, Visibility: domain.VisibilityDirect, To: []string{dave}, Content: "psst",
	})
	require.NoError(t, err)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "fedi.example"
	conf.Conf.WithAp = withAp

	inbox := &fakeInbox{}
	server := NewServer(Services{
		Accounts:   database,
		Objects:    store,
		Timeline:   timeline.NewService(store, follows, nil, links, log),
		Activities: database,
		Follows:    follows,
		Inbox:      inbox,
	}, links, conf, log)

	return &fixture{handler: server.Handler(), inbox: inbox, public: public, direct: direct}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Test-Signer", "https://remote.example/users/alice")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestWebfingerEndpoint(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/.well-known/webfinger?resource=acct:carol@fedi.example", nil)
	require.Equal(t, 200, w.Code)
	var jrd activitypub.WebFingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jrd))
	assert.Equal(t, "acct:carol@fedi.example", jrd.Subject)
	self, ok := jrd.SelfLink()
	assert.True(t, ok)
	assert.Equal(t, carol, self)

	for _, resource := range []string{"acct:carol@other.example", "acct:nobody@fedi.example", ""} {
		w = f.do(t, "GET", "/.well-known/webfinger?resource="+resource, nil)
		assert.Equal(t, 404, w.Code, resource)
		assert.JSONEq(t, GetWebFingerNotFound(), w.Body.String())
	}
}

func TestActorEndpoint(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/users/carol", nil)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), activitypub.ContentType)
	doc := decode(t, w)
	assert.Equal(t, carol, doc["id"])
	assert.Equal(t, "Person", doc["type"])
	assert.Equal(t, carol+"/inbox", doc["inbox"])
	assert.Equal(t, "CAROL", doc["name"])

	assert.Equal(t, 404, f.do(t, "GET", "/users/nobody", nil).Code)
}

func TestFederationRoutesNeedWithAp(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, 404, f.do(t, "GET", "/users/carol", nil).Code)
	assert.Equal(t, 404, f.do(t, "POST", "/inbox", strings.NewReader("{}")).Code)
	assert.Equal(t, 200, f.do(t, "GET", "/feed", nil).Code)
}

func TestObjectEndpoint(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/objects/"+f.public.LocalID, nil)
	require.Equal(t, 200, w.Code)
	doc := decode(t, w)
	assert.Equal(t, f.public.ID, doc["id"])
	assert.Equal(t, "hello fediverse", doc["content"])
	assert.Equal(t, carol, doc["attributedTo"])

	assert.Equal(t, 404, f.do(t, "GET", "/objects/"+f.direct.LocalID, nil).Code)
	assert.Equal(t, 404, f.do(t, "GET", "/objects/"+uuid.NewString(), nil).Code)
}

func TestContextEndpoint(t *testing.T) {
	f := newFixture(t, true)

	contextID := strings.TrimPrefix(f.public.Context, "https://fedi.example/contexts/")
	w := f.do(t, "GET", "/contexts/"+contextID, nil)
	require.Equal(t, 200, w.Code)
	doc := decode(t, w)
	assert.Equal(t, f.public.Context, doc["id"])
	assert.Equal(t, float64(1), doc["totalItems"])

	dm := strings.TrimPrefix(f.direct.Context, "https://fedi.example/contexts/")
	assert.Equal(t, 404, f.do(t, "GET", "/contexts/"+dm, nil).Code)
}

func TestOutboxEndpoint(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/users/carol/outbox", nil)
	require.Equal(t, 200, w.Code)
	doc := decode(t, w)
	assert.Equal(t, "OrderedCollection", doc["type"])
	assert.Equal(t, float64(1), doc["totalItems"], "the direct message stays out of the outbox")

	w = f.do(t, "GET", "/users/carol/outbox?page=1", nil)
	require.Equal(t, 200, w.Code)
	page := decode(t, w)
	items, ok := page["orderedItems"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	create := items[0].(map[string]any)
	assert.Equal(t, "Create", create["type"])
	assert.Equal(t, f.public.ID, create["object"].(map[string]any)["id"])
	assert.Nil(t, page["next"])

	assert.Equal(t, 404, f.do(t, "GET", "/users/nobody/outbox", nil).Code)
}

func TestFollowerCollections(t *testing.T) {
	f := newFixture(t, true)

	doc := decode(t, f.do(t, "GET", "/users/carol/followers", nil))
	assert.Equal(t, float64(1), doc["totalItems"])
	assert.Equal(t, carol+"/followers?page=1", doc["first"])

	page := decode(t, f.do(t, "GET", "/users/carol/followers?page=1", nil))
	assert.Equal(t, []any{dave}, page["orderedItems"])

	page = decode(t, f.do(t, "GET", "/users/dave/following?page=1", nil))
	assert.Equal(t, []any{carol}, page["orderedItems"])

	page = decode(t, f.do(t, "GET", "/users/carol/following?page=3", nil))
	assert.Equal(t, []any{}, page["orderedItems"])
}

func TestInboxEndpoints(t *testing.T) {
	f := newFixture(t, true)
	body := `{"type":"Like"}`

	w := f.do(t, "POST", "/users/carol/inbox", strings.NewReader(body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = f.do(t, "POST", "/inbox", strings.NewReader(body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{
		"https://remote.example/users/alice " + body,
		"https://remote.example/users/alice " + body,
	}, f.inbox.received)

	assert.Equal(t, 404, f.do(t, "POST", "/users/nobody/inbox", strings.NewReader(body)).Code)

	tooLarge := strings.NewReader(fmt.Sprintf(`{"content":"%s"}`, strings.Repeat("x", maxActivityBytes)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(t, "POST", "/inbox", tooLarge).Code)

	f.inbox.processErr = fmt.Errorf("%w: not yours", domain.ErrForbidden)
	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/inbox", strings.NewReader(body)).Code)

	f.inbox.processErr = domain.ErrNotFound
	assert.Equal(t, http.StatusAccepted, f.do(t, "POST", "/inbox", strings.NewReader(body)).Code)

	f.inbox.processErr = fmt.Errorf("%w: bad json", domain.ErrInvalidInput)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/inbox", strings.NewReader(body)).Code)

	f.inbox.authErr = domain.ErrForbidden
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "POST", "/inbox", strings.NewReader(body)).Code)
}

func TestFeedEndpoints(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/feed", nil)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "<rss")
	assert.Contains(t, w.Body.String(), "hello fediverse")
	assert.NotContains(t, w.Body.String(), "psst")

	w = f.do(t, "GET", "/feed?username=carol", nil)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "carol@fedi.example")

	assert.Equal(t, 404, f.do(t, "GET", "/feed?username=nobody", nil).Code)

	w = f.do(t, "GET", "/feed/"+f.public.LocalID, nil)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "https://fedi.example/feed/"+f.public.LocalID)

	assert.Equal(t, 404, f.do(t, "GET", "/feed/"+f.direct.LocalID, nil).Code)
}
