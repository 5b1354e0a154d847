package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fixture struct {
	svc      *Service
	chats    *memChats
	messages *memMessages
	blocks   *fakeBlocks
	pub      *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chats:    newMemChats(),
		messages: newMemMessages(),
		blocks:   &fakeBlocks{pairs: map[[2]int64]bool{}},
		pub:      &recordingPublisher{},
	}
	f.svc = NewService(Deps{
		Chats:     f.chats,
		Messages:  f.messages,
		Blocks:    f.blocks,
		Publisher: f.pub,
		Logger:    zerolog.Nop(),
	})
	return f
}

func TestGetOrCreateChat_Symmetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GetOrCreateChat(ctx, 5, 9)
	if err != nil {
		t.Fatalf("GetOrCreateChat(5, 9): %v", err)
	}
	if !first.Created {
		t.Error("expected first call to create the chat")
	}
	second, err := f.svc.GetOrCreateChat(ctx, 9, 5)
	if err != nil {
		t.Fatalf("GetOrCreateChat(9, 5): %v", err)
	}
	if second.Created {
		t.Error("expected second call to resolve the existing chat")
	}
	if first.Chat.ID != second.Chat.ID {
		t.Fatalf("expected same chat id, got %d and %d", first.Chat.ID, second.Chat.ID)
	}
	if first.Chat.LowUserID != 5 || first.Chat.HighUserID != 9 {
		t.Errorf("expected canonical pair (5, 9), got (%d, %d)", first.Chat.LowUserID, first.Chat.HighUserID)
	}
	if f.chats.inserts != 1 {
		t.Errorf("expected exactly 1 insert, got %d", f.chats.inserts)
	}
}

func TestGetOrCreateChat_NotifiesBothParticipants(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetOrCreateChat(context.Background(), 9, 5); err != nil {
		t.Fatal(err)
	}
	for _, room := range []RoomID{"user:5", "user:9"} {
		got := f.pub.to(room)
		if len(got) != 1 || got[0].event != EventChatNew {
			t.Errorf("room %s: expected one %s push, got %+v", room, EventChatNew, got)
		}
	}
}

func TestGetOrCreateChat_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		a, b int64
	}{
		{"self chat", 7, 7},
		{"zero a", 0, 3},
		{"negative b", 3, -1},
		{"both zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GetOrCreateChat(context.Background(), tc.a, tc.b)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
	if f.chats.inserts != 0 {
		t.Errorf("expected no inserts, got %d", f.chats.inserts)
	}
}

func TestGetOrCreateChat_Blocked(t *testing.T) {
	f := newFixture(t)
	f.blocks.pairs[[2]int64{9, 5}] = true

	_, err := f.svc.GetOrCreateChat(context.Background(), 5, 9)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if f.chats.inserts != 0 {
		t.Errorf("blocked pair must not create a chat")
	}
}

func TestGetOrCreateChat_LostRaceRereads(t *testing.T) {
	f := newFixture(t)
	f.chats.beforeInsert = func() {
		// A concurrent creator commits the same pair first.
		if _, err := f.chats.Insert(context.Background(), 5, 9); err != nil {
			t.Errorf("concurrent insert: %v", err)
		}
	}

	res, err := f.svc.GetOrCreateChat(context.Background(), 9, 5)
	if err != nil {
		t.Fatalf("expected race to resolve silently, got %v", err)
	}
	if res.Created {
		t.Error("loser of the race must not report Created")
	}
	if f.chats.inserts != 1 {
		t.Errorf("expected 1 stored chat, got %d", f.chats.inserts)
	}
}

func TestGetOrCreateChat_Concurrent(t *testing.T) {
	f := newFixture(t)
	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(3), int64(8)
			if i%2 == 0 {
				a, b = b, a
			}
			res, err := f.svc.GetOrCreateChat(context.Background(), a, b)
			if err != nil {
				t.Errorf("GetOrCreateChat: %v", err)
				return
			}
			ids <- res.Chat.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent callers got different chats: %d vs %d", first, id)
		}
	}
	if f.chats.inserts != 1 {
		t.Errorf("expected 1 insert, got %d", f.chats.inserts)
	}
}

func TestGetOrCreateChat_StorageFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.blocks.err = errStorage

	_, err := f.svc.GetOrCreateChat(context.Background(), 1, 2)
	if KindOf(err) != KindInternal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if msg := PublicMessage(err); msg != "internal error" {
		t.Errorf("internal detail leaked: %q", msg)
	}
}

func TestAssertMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.GetOrCreateChat(ctx, 5, 9)
	if err != nil {
		t.Fatal(err)
	}
	id := res.Chat.ID

	for _, actor := range []int64{5, 9} {
		c, err := f.svc.AssertMember(ctx, id, actor)
		if err != nil {
			t.Errorf("member %d rejected: %v", actor, err)
			continue
		}
		if c.ID != id {
			t.Errorf("expected chat %d, got %d", id, c.ID)
		}
	}

	if _, err := f.svc.AssertMember(ctx, id, 7); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-member: expected Forbidden, got %v", err)
	}
	if _, err := f.svc.AssertMember(ctx, id+1000, 5); !errors.Is(err, ErrForbidden) {
		t.Errorf("missing chat: expected Forbidden, got %v", err)
	}
	if _, err := f.svc.AssertMember(ctx, 0, 5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero chat id: expected InvalidArgument, got %v", err)
	}
}

func TestSend_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.GetOrCreateChat(ctx, 5, 9)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.GetOrCreateChat(ctx, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if a.Chat.ID != 42 || b.Chat.ID != 42 {
		t.Fatalf("expected both users to receive chat 42, got %d and %d", a.Chat.ID, b.Chat.ID)
	}

	req := SendRequest{ChatID: 42, From: 5, To: 9, Body: "hola", Token: "t1"}
	first, err := f.svc.Send(ctx, req)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !first.Created || first.Message.ID != 100 {
		t.Fatalf("expected created message 100, got %+v", first)
	}
	pushes := f.pub.to("chat:42")
	if len(pushes) != 1 || pushes[0].event != EventMessageNew {
		t.Fatalf("expected one message:new push to chat:42, got %+v", pushes)
	}

	second, err := f.svc.Send(ctx, req)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if second.Created {
		t.Error("resend must resolve to the stored message")
	}
	if second.Message.ID != 100 {
		t.Errorf("expected message 100 on resend, got %d", second.Message.ID)
	}
	if n := f.messages.count(42); n != 1 {
		t.Errorf("expected exactly 1 stored row, got %d", n)
	}
	if n := len(f.pub.to("chat:42")); n != 1 {
		t.Errorf("resolved duplicate must not be rebroadcast, got %d pushes", n)
	}

	_, err = f.svc.Send(ctx, SendRequest{ChatID: 42, From: 7, To: 9, Body: "hey", Token: "t2"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-member send: expected Forbidden, got %v", err)
	}
}

func TestSend_NotifiesRecipientPersonalRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)

	if _, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 9, To: 5, Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	got := f.pub.to(PersonalRoomFor(5))
	last := got[len(got)-1]
	if last.event != EventMessageNotify {
		t.Errorf("expected %s on user:5, got %s", EventMessageNotify, last.event)
	}
	if n := len(f.pub.to(PersonalRoomFor(9))); n != 1 { // only the chat:new push
		t.Errorf("sender personal room should not receive the message, got %d pushes", n)
	}
}

func TestSend_TokenOwnedByOtherSenderConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)

	if _, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: "a", Token: "shared"}); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 9, To: 5, Body: "b", Token: "shared"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestSend_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	id := res.Chat.ID

	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty body", SendRequest{ChatID: id, From: 5, To: 9, Body: ""}, ErrInvalidArgument},
		{"whitespace body", SendRequest{ChatID: id, From: 5, To: 9, Body: "  \n\t "}, ErrInvalidArgument},
		{"zero chat", SendRequest{ChatID: 0, From: 5, To: 9, Body: "x"}, ErrInvalidArgument},
		{"missing recipient", SendRequest{ChatID: id, From: 5, Body: "x"}, ErrInvalidArgument},
		{"wrong recipient", SendRequest{ChatID: id, From: 5, To: 11, Body: "x"}, ErrInvalidArgument},
		{"non-member", SendRequest{ChatID: id, From: 7, To: 9, Body: "x"}, ErrForbidden},
		{"missing chat", SendRequest{ChatID: id + 1, From: 5, To: 9, Body: "x"}, ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := f.messages.count(id); n != 0 {
		t.Errorf("rejected sends must not store rows, got %d", n)
	}
}

func TestSend_BlockedAfterChatExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	f.blocks.pairs[[2]int64{5, 9}] = true

	_, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 9, To: 5, Body: "x"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if n := f.messages.count(res.Chat.ID); n != 0 {
		t.Errorf("blocked send stored %d rows", n)
	}
}

func TestSend_Throttled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	f.svc.throttle = denyThrottle{}

	_, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}

	// A limiter outage fails open whatever verdict accompanies the error.
	f.svc.throttle = denyThrottle{err: errStorage}
	if _, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: "x"}); err != nil {
		t.Fatalf("expected fail-open send, got %v", err)
	}
}

func TestSend_StorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	f.messages.fail = errStorage

	_, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: "x"})
	if KindOf(err) != KindInternal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestSend_PublishFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	f.pub.err = errStorage

	out, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: "x"})
	if err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	if !out.Created {
		t.Error("expected message to be created")
	}
}

func TestSend_ConcurrentPublishOrderMatchesIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := int64(5), int64(9)
			if i%2 == 1 {
				from, to = to, from
			}
			_, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: from, To: to, Body: fmt.Sprintf("m%d", i)})
			if err != nil {
				t.Errorf("send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, room := range []RoomID{RoomFor(res.Chat.ID), PersonalRoomFor(5), PersonalRoomFor(9)} {
		pushes := f.pub.to(room)
		if len(pushes) == 0 {
			t.Fatalf("no pushes to %s", room)
		}
		var last int64
		for _, p := range pushes {
			m := p.payload.(Message)
			if m.ID <= last {
				t.Fatalf("%s push order broken: %d after %d", room, m.ID, last)
			}
			last = m.ID
		}
	}
}

func TestHistory_PagesWithoutGapOrOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Send(ctx, SendRequest{ChatID: res.Chat.ID, From: 5, To: 9, Body: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	p1, err := f.svc.History(ctx, res.Chat.ID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.svc.History(ctx, res.Chat.ID, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	got := append(p1.Items, p2.Items...)
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID != got[i-1].ID-1 {
			t.Fatalf("expected consecutive descending ids, got %d after %d", got[i].ID, got[i-1].ID)
		}
	}
	if got[0].Body != "m4" {
		t.Errorf("expected newest first, got %q", got[0].Body)
	}
}

func TestHistory_Clamping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)

	cases := []struct {
		limit, offset       int
		wantLimit, wantOffs int
	}{
		{150, 0, 100, 0},
		{0, 0, 1, 0},
		{-3, -7, 1, 0},
		{30, 10, 30, 10},
	}
	for _, tc := range cases {
		p, err := f.svc.History(ctx, res.Chat.ID, tc.limit, tc.offset)
		if err != nil {
			t.Fatal(err)
		}
		if p.Limit != tc.wantLimit || p.Offset != tc.wantOffs {
			t.Errorf("History(limit=%d, offset=%d) window = (%d, %d), want (%d, %d)",
				tc.limit, tc.offset, p.Limit, p.Offset, tc.wantLimit, tc.wantOffs)
		}
		if p.Items == nil {
			t.Error("expected non-nil items")
		}
	}
}

func TestHistory_MissingChat(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.History(context.Background(), 999, 10, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMemberHistory_NonMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.GetOrCreateChat(ctx, 5, 9)
	if _, err := f.svc.MemberHistory(ctx, res.Chat.ID, 7, 10, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if _, err := f.svc.MemberHistory(ctx, res.Chat.ID, 9, 10, 0); err != nil {
		t.Fatalf("member history: %v", err)
	}
}

func TestListChats_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, other := range []int64{2, 3, 4} {
		if _, err := f.svc.GetOrCreateChat(ctx, 1, other); err != nil {
			t.Fatal(err)
		}
	}
	chats, err := f.svc.ListChats(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 3 {
		t.Fatalf("expected 3 chats, got %d", len(chats))
	}
	if chats[0].HighUserID != 4 || chats[2].HighUserID != 2 {
		t.Errorf("expected newest first, got %+v", chats)
	}

	empty, err := f.svc.ListChats(ctx, 77)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil list, got %v, %v", empty, err)
	}
	if _, err := f.svc.ListChats(ctx, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected InvalidArgument for user 0, got %v", err)
	}
}
