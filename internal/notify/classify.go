package notify

// typeChannels are the per-type default delivery channels beyond the
// always-persisted in-app record.
var typeChannels = map[string][]string{
	TypeSystemAnnouncement:  {ChannelWebsocket},
	TypePasswordReset:       {ChannelEmail},
	TypeEmailVerification:   {ChannelEmail},
	TypeHiveInvite:          {ChannelWebsocket},
	TypeHiveStarting:        {ChannelPush, ChannelWebsocket},
	TypeBuddyRequest:        {ChannelWebsocket},
	TypeBuddyAccepted:       {ChannelWebsocket},
	TypeForumReply:          {ChannelWebsocket},
	TypePlaylistShared:      {ChannelWebsocket},
	TypeAchievementUnlocked: {ChannelPush, ChannelWebsocket},
	TypeDigestSummary:       {ChannelEmail},
}

// Channels resolves the delivery channels for a request: type defaults
// plus metadata hints (userEmail promotes EMAIL, deviceToken promotes
// PUSH), gated by the recipient's preferences. Account-security types
// keep their email channel regardless of preferences. IN_APP is always
// first: the persisted notification is the in-app delivery.
func Channels(req *NotificationRequest, prefs *Preferences) []string {
	want := map[string]bool{}
	for _, ch := range typeChannels[req.Type] {
		want[ch] = true
	}
	if req.Metadata["userEmail"] != "" {
		want[ChannelEmail] = true
	}
	if req.Metadata["deviceToken"] != "" {
		want[ChannelPush] = true
	}

	channels := []string{ChannelInApp}
	if want[ChannelEmail] && (prefs.EmailEnabled || securityCritical(req.Type)) {
		channels = append(channels, ChannelEmail)
	}
	if want[ChannelPush] && prefs.PushEnabled {
		channels = append(channels, ChannelPush)
	}
	if want[ChannelWebsocket] && prefs.WebsocketEnabled {
		channels = append(channels, ChannelWebsocket)
	}
	return channels
}

// securityCritical types bypass the email opt-out; account recovery
// must reach the user.
func securityCritical(typ string) bool {
	return typ == TypePasswordReset || typ == TypeEmailVerification
}
