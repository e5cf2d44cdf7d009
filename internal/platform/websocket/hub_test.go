package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written []string
	kinds   []int
	failAt  int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{failAt: -1, closed: make(chan struct{})} }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(kind int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt == len(f.written) {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, string(data))
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) messages() ([]string, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...), append([]int(nil), f.kinds...)
}

func TestHub_PublishReachesTopicOnly(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	a := h.Register("s1")
	b := h.Register("s1")
	other := h.Register("s2")

	n := h.Publish("s1", map[string]int{"n": 1})

	assert.Equal(t, 2, n)
	assert.JSONEq(t, `{"n":1}`, string(<-a.Send))
	assert.JSONEq(t, `{"n":1}`, string(<-b.Send))
	assert.Empty(t, other.Send)
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	c := h.Register("s1")

	h.Unregister(c)
	h.Unregister(c)

	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, h.TopicCount("s1"))
	assert.Zero(t, h.Publish("s1", "x"))
}

func TestHub_SlowClientMissesEvents(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	c := h.Register("s1")

	for i := 0; i < sendBuffer+3; i++ {
		h.Publish("s1", i)
	}

	assert.Len(t, c.Send, sendBuffer)
}

func TestHub_CloseTopic(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	a := h.Register("s1")
	keep := h.Register("s2")

	h.CloseTopic("s1")

	_, open := <-a.Send
	assert.False(t, open)
	assert.Equal(t, 1, h.TopicCount("s2"))
	h.Unregister(keep)
}

func TestHub_WritePumpForwardsThenCloses(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	c := h.Register("s1")
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		h.writePump(c, conn, nil)
		close(done)
	}()

	h.Publish("s1", "first")
	h.Publish("s1", "second")
	h.CloseTopic("s1")
	<-done

	msgs, kinds := conn.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, `"first"`, msgs[0])
	assert.Equal(t, `"second"`, msgs[1])
	assert.Equal(t, gorillawebsocket.CloseMessage, kinds[2])
}

func TestHub_WriteFailureUnregisters(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	c := h.Register("s1")
	conn := newFakeConn()
	conn.failAt = 0
	done := make(chan struct{})
	go func() {
		h.writePump(c, conn, nil)
		close(done)
	}()

	h.Publish("s1", "lost")
	<-done

	assert.Zero(t, h.TopicCount("s1"))
}

func TestHub_Serve(t *testing.T) {
	h := NewHub(zerolog.Nop(), nil)
	e := echo.New()
	e.GET("/watch/:topic", func(c echo.Context) error {
		return h.Serve(c, c.Param("topic"), map[string]string{"hello": c.Param("topic")})
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch/s1"
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, first, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"s1"}`, string(first))

	require.Eventually(t, func() bool { return h.TopicCount("s1") == 1 }, time.Second, 10*time.Millisecond)
	h.Publish("s1", map[string]int{"v": 2})
	_, next, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(next))

	h.CloseTopic("s1")
	_, _, err = ws.ReadMessage()
	assert.True(t, gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseNormalClosure), "got %v", err)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := NewHub(zerolog.Nop(), func(o string) bool { return o == "http://desk.test" })
	e := echo.New()
	e.GET("/watch", func(c echo.Context) error { return h.Serve(c, "s1", nil) })
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://desk.test"}})
	require.NoError(t, err)
	ws.Close()
}
