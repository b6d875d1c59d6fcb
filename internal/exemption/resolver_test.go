package exemption

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/policy"
	"github.com/Asadalnjar/whatsapp-bot-backend/internal/transport"
)

type adminSource struct {
	mock.Mock
}

func (a *adminSource) GroupMetadata(ctx context.Context, chatID string) (*transport.GroupMetadata, error) {
	args := a.Called(chatID)
	md, _ := args.Get(0).(*transport.GroupMetadata)
	return md, args.Error(1)
}

const (
	chat   = "120363000000000000@g.us"
	owner  = "966500000000"
	sender = "966511111111@s.whatsapp.net"
)

func group(admins ...string) *transport.GroupMetadata {
	md := &transport.GroupMetadata{ID: chat}
	for _, a := range admins {
		md.Participants = append(md.Participants, transport.Participant{ID: a, Admin: "admin"})
	}
	md.Participants = append(md.Participants, transport.Participant{ID: "966599999999@s.whatsapp.net"})
	return md
}

func chatPolicy(exceptions ...string) *policy.ChatPolicy {
	p := &policy.ChatPolicy{ChatID: chat, ProtectionEnabled: true, Settings: policy.DefaultChatSettings()}
	for _, e := range exceptions {
		p.AddException(policy.Exception{SenderID: e})
	}
	return p
}

func TestOwnerWinsOverEverything(t *testing.T) {
	src := &adminSource{}
	r := NewResolver(DefaultConfig(), nil)

	d := r.IsExempt(context.Background(), Input{
		TenantID: "t1",
		ChatID:   chat,
		SenderID: "966500000000:12@s.whatsapp.net",
		Chat:     chatPolicy("966500000000@s.whatsapp.net"),
		Global:   &policy.GlobalPolicy{OwnerNumber: owner},
		Admins:   src,
	})
	assert.Equal(t, Decision{Exempt: true, Reason: ReasonOwner}, d)
	src.AssertNotCalled(t, "GroupMetadata", mock.Anything)
}

func TestOwnerBypassDisabled(t *testing.T) {
	src := &adminSource{}
	src.On("GroupMetadata", chat).Return(group(), nil)
	r := NewResolver(DefaultConfig(), nil)

	p := chatPolicy()
	p.Settings.AllowOwnerBypass = false
	d := r.IsExempt(context.Background(), Input{
		TenantID: "t1",
		ChatID:   chat,
		SenderID: owner + "@s.whatsapp.net",
		Chat:     p,
		Global:   &policy.GlobalPolicy{OwnerNumber: owner},
		Admins:   src,
	})
	assert.False(t, d.Exempt)
	assert.Equal(t, AdminNo, d.Admin)
}

func TestWhitelistSuffixMatch(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	d := r.IsExempt(context.Background(), Input{
		ChatID:   chat,
		SenderID: sender,
		Global:   &policy.GlobalPolicy{Whitelist: []string{"0511111111", "+966 51 111 1111"}},
	})
	assert.True(t, d.Exempt)
	assert.Equal(t, ReasonWhitelist, d.Reason)
}

func TestChatAdminWithoutWhitelist(t *testing.T) {
	src := &adminSource{}
	src.On("GroupMetadata", chat).Return(group("966511111111:4@s.whatsapp.net"), nil).Once()
	r := NewResolver(DefaultConfig(), nil)

	in := Input{TenantID: "t1", ChatID: chat, SenderID: sender, Chat: chatPolicy(), Global: &policy.GlobalPolicy{}, Admins: src}
	for i := 0; i < 3; i++ {
		d := r.IsExempt(context.Background(), in)
		assert.Equal(t, Decision{Exempt: true, Reason: ReasonChatAdmin, Admin: AdminYes}, d)
	}
	src.AssertExpectations(t)
}

func TestUnknownAdminFallsThrough(t *testing.T) {
	src := &adminSource{}
	src.On("GroupMetadata", chat).Return(nil, errors.New("timeout"))
	r := NewResolver(DefaultConfig(), nil)

	in := Input{TenantID: "t1", ChatID: chat, SenderID: sender, Chat: chatPolicy(sender), Admins: src}
	d := r.IsExempt(context.Background(), in)
	assert.Equal(t, Decision{Exempt: true, Reason: ReasonException, Admin: AdminUnknown}, d)

	in.Chat = chatPolicy()
	d = r.IsExempt(context.Background(), in)
	assert.Equal(t, Decision{Reason: ReasonNone, Admin: AdminUnknown}, d)

	src.AssertNumberOfCalls(t, "GroupMetadata", 2)
}

func TestExceptionMatchesDeviceQualifiedSender(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	d := r.IsExempt(context.Background(), Input{
		ChatID:   chat,
		SenderID: "966511111111:7@s.whatsapp.net",
		Chat:     chatPolicy(sender),
	})
	assert.True(t, d.Exempt)
	assert.Equal(t, ReasonException, d.Reason)
	assert.Equal(t, AdminUnknown, d.Admin)
}

func TestNotExempt(t *testing.T) {
	src := &adminSource{}
	src.On("GroupMetadata", chat).Return(group("966522222222@s.whatsapp.net"), nil)
	r := NewResolver(DefaultConfig(), nil)

	d := r.IsExempt(context.Background(), Input{
		TenantID: "t1",
		ChatID:   chat,
		SenderID: sender,
		Chat:     chatPolicy("966533333333@s.whatsapp.net"),
		Global:   &policy.GlobalPolicy{OwnerNumber: owner, Whitelist: []string{"966544444444"}},
		Admins:   src,
	})
	assert.Equal(t, Decision{Reason: ReasonNone, Admin: AdminNo}, d)
}

func TestForgetRefreshesAdmins(t *testing.T) {
	src := &adminSource{}
	src.On("GroupMetadata", chat).Return(group(), nil).Once()
	src.On("GroupMetadata", chat).Return(group(sender), nil).Once()
	r := NewResolver(DefaultConfig(), nil)
	in := Input{TenantID: "t1", ChatID: chat, SenderID: sender, Admins: src}

	require.Equal(t, AdminNo, r.AdminStatus(context.Background(), in))
	require.Equal(t, AdminNo, r.AdminStatus(context.Background(), in))
	r.Forget("t1", chat)
	assert.Equal(t, AdminYes, r.AdminStatus(context.Background(), in))
	src.AssertExpectations(t)
}

func TestAdminStatusString(t *testing.T) {
	assert.Equal(t, "unknown", AdminUnknown.String())
	assert.Equal(t, "yes", AdminYes.String())
	assert.Equal(t, "not_checked", AdminNotChecked.String())
}
