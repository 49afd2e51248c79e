package eventbus_test

import (
	"testing"

	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/kernel"
)

func channelSet(chs []eventbus.Channel) map[eventbus.Channel]bool {
	set := make(map[eventbus.Channel]bool, len(chs))
	for _, ch := range chs {
		set[ch] = true
	}
	return set
}

func TestRouting(t *testing.T) {
	cases := []struct {
		eventType string
		want      []eventbus.Channel
	}{
		{"user.registered", []eventbus.Channel{eventbus.ChannelUser}},
		{"user.deactivated", []eventbus.Channel{eventbus.ChannelUser}},
		{"login.success", []eventbus.Channel{eventbus.ChannelAuth}},
		{"login.failed", []eventbus.Channel{eventbus.ChannelAuth}},
		{"logout", []eventbus.Channel{eventbus.ChannelAuth}},
		{"token.refreshed", []eventbus.Channel{eventbus.ChannelAuth}},
		{"session.revoked", []eventbus.Channel{eventbus.ChannelAuth}},
		{"mfa.enabled", []eventbus.Channel{eventbus.ChannelAuth, eventbus.ChannelSecurity}},
		{"mfa.failed", []eventbus.Channel{eventbus.ChannelAuth, eventbus.ChannelSecurity}},
		{"role.assigned", []eventbus.Channel{eventbus.ChannelAuthz, eventbus.ChannelSecurity}},
		{"role.revoked", []eventbus.Channel{eventbus.ChannelAuthz, eventbus.ChannelSecurity}},
		{"permission.updated", []eventbus.Channel{eventbus.ChannelAuthz, eventbus.ChannelSecurity}},
		{"refresh.reuse_detected", []eventbus.Channel{eventbus.ChannelSecurity}},
		{"password.changed", []eventbus.Channel{eventbus.ChannelAuth, eventbus.ChannelSecurity}},
		{"trading_account.linked", []eventbus.Channel{eventbus.ChannelTradingAccount}},
		{"membership.granted", []eventbus.Channel{eventbus.ChannelTradingAccount}},
		{"something.unknown", nil},
	}

	for _, tc := range cases {
		got := eventbus.Route(tc.eventType)
		if len(got) != len(tc.want) {
			t.Errorf("Route(%q) = %v, want %v", tc.eventType, got, tc.want)
			continue
		}
		set := channelSet(got)
		for _, ch := range tc.want {
			if !set[ch] {
				t.Errorf("Route(%q) = %v, missing %s", tc.eventType, got, ch)
			}
		}
	}
}

func TestConstructorPriorities(t *testing.T) {
	uid := kernel.NewUserID("u-1")
	sid := kernel.NewSessionID("s-1")

	if e := eventbus.LoginSuccess(uid, sid, false); e.Priority != eventbus.PriorityNormal {
		t.Errorf("login.success priority = %s", e.Priority)
	}
	if e := eventbus.LoginFailed("a@b.c", "bad password"); e.Priority != eventbus.PriorityHigh {
		t.Errorf("login.failed priority = %s", e.Priority)
	}
	if e := eventbus.LoginFailed("a@b.c", "bad password"); e.Subject != "" {
		t.Errorf("login.failed leaks a subject: %q", e.Subject)
	}
	if e := eventbus.RoleAssigned(uid, "admin"); e.Priority != eventbus.PriorityHigh {
		t.Errorf("role.assigned priority = %s", e.Priority)
	}
	if e := eventbus.RefreshReuseDetected(uid, sid, kernel.NewFamilyID("f-1")); e.Priority != eventbus.PriorityCritical {
		t.Errorf("refresh.reuse_detected priority = %s", e.Priority)
	}

	e := eventbus.LoginSuccess(uid, sid, true)
	if e.ID == "" || e.Type != "login.success" || e.Source != "user_service" {
		t.Errorf("malformed event: %+v", e)
	}
	if e.Subject != "user:u-1" {
		t.Errorf("subject = %q", e.Subject)
	}
	if e.Data["mfa_verified"] != true {
		t.Errorf("data = %v", e.Data)
	}

	admin := eventbus.RoleAssigned(uid, "admin").WithActor("user:admin-1")
	if admin.Actor != "user:admin-1" {
		t.Errorf("actor = %q", admin.Actor)
	}
}
