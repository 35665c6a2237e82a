package conversation

import (
	"fmt"
	"strings"

	"github.com/wapuda/dmrelay/internal/progress"
	"github.com/wapuda/dmrelay/internal/session"
)

const (
	textWelcome = "🎬 *Dailymotion Upload Bot*\n\n" +
		"First, provide your Dailymotion API credentials.\n" +
		"📝 Send your *API Key*:"

	textHelp = "🆘 *How to use this bot*\n\n" +
		"1️⃣ /start - begin setup\n" +
		"2️⃣ Provide your Dailymotion API key, secret, username and password\n" +
		"3️⃣ Send a video file and give it a title\n" +
		"4️⃣ Watch the progress and get the Dailymotion link\n\n" +
		"*Commands*\n" +
		"/upload - get ready for a video\n" +
		"/addch <channel> - remember a Dailymotion channel\n" +
		"/list - show your channels\n" +
		"/test - check the connection to Dailymotion\n" +
		"/credentials - enter new credentials\n\n" +
		"You can also send all four credentials at once:\n" +
		"`API Key: ...`\n`API Secret: ...`\n`Username: ...`\n`Password: ...`\n\n" +
		"Need API credentials? Visit https://developers.dailymotion.com/"

	textNoSession      = "👋 Send /start to set up the bot."
	textPromptAPIKey   = "📝 Send your *API Key*:"
	textPromptSecret   = "✅ API Key saved!\n📝 Send your *API Secret*:"
	textPromptUsername = "✅ API Secret saved!\n📝 Send your *Username*:"
	textPromptPassword = "✅ Username saved!\n📝 Send your *Password*:"
	textCheckingCreds  = "🔄 Checking your credentials with Dailymotion..."
	textAuthOK         = "✅ *Authentication successful!*\n\nSend a video to upload, or /upload."
	textCredsReset     = "🔐 Stored credentials removed.\n\n" + textPromptAPIKey
	textIdle           = "🔐 You are not signed in. Send /credentials to enter your Dailymotion credentials."
	textNeedText       = "✏️ Please answer with text."
	textSendVideo      = "📹 *Ready to upload!*\n\nSend me a video file (MP4, AVI, MOV, MKV, WMV, ...)."
	textAuthenticated  = "📹 Send a video to upload it to Dailymotion, or /help for all commands."
	textNotVideo       = "❌ Please send a video file with a valid extension!"
	textPromptTitle    = "📝 Send a *title* for this video:"
	textBusy           = "⏳ An upload is in progress. Please wait until it finishes."
	textAddChUsage     = "Usage: /addch <channel>"
	textNeedAuth       = "🔐 Set your credentials first with /credentials."
	textFinishFirst    = "✋ Finish describing the current video first."
	textUnknownCommand = "❓ Unknown command. Send /help for the list of commands."
	textInternal       = "⚠️ Something went wrong on our side. Please try again."
	textQueued         = "📥 Preparing upload..."
	textTestingAPI     = "🔍 Testing Dailymotion API connection..."
	textTestOK         = "✅ Dailymotion API authentication successful!"
)

func textAuthFailed(reason string) string {
	return "❌ *Authentication failed!*\n\n" + escape(reason) +
		"\n\nYour credentials were discarded. Send /credentials to try again."
}

func textTestFailed(reason string) string {
	return "❌ *Failed to authenticate*\n\n" + escape(reason)
}

func textTooLarge(size, max int64) string {
	return fmt.Sprintf("❌ File too large (%s). The maximum is %s.", progress.Bytes(size), progress.Bytes(max))
}

func textChannelAdded(id string, added bool) string {
	if !added {
		return fmt.Sprintf("ℹ️ Channel `%s` is already in your list.", escapeCode(id))
	}
	return fmt.Sprintf("✅ Channel `%s` added.", escapeCode(id))
}

func textChannelList(channels []string) string {
	if len(channels) == 0 {
		return "📭 No channels yet. Add one with /addch <channel>."
	}
	var b strings.Builder
	b.WriteString("📺 *Your channels*\n")
	for i, c := range channels {
		fmt.Fprintf(&b, "\n%d. `%s`", i+1, escapeCode(c))
	}
	return b.String()
}

func textPromptChannel(channels []string) string {
	var b strings.Builder
	b.WriteString("📺 Choose a channel by number, or send `skip`:\n")
	for i, c := range channels {
		fmt.Fprintf(&b, "\n%d. `%s`", i+1, escapeCode(c))
	}
	return b.String()
}

func textInvalidChannel(n int) string {
	return fmt.Sprintf("❌ Send a number from 1 to %d, or `skip`.", n)
}

// textResume re-prompts for the current step after /start.
func textResume(step session.Step) string {
	switch step {
	case session.StepWaitingAPIKey:
		return textPromptAPIKey
	case session.StepWaitingAPISecret:
		return "📝 Send your *API Secret*:"
	case session.StepWaitingUsername:
		return "📝 Send your *Username*:"
	case session.StepWaitingPassword:
		return "📝 Send your *Password*:"
	case session.StepAuthenticated:
		return textAuthenticated
	case session.StepWaitingVideo:
		return textSendVideo
	case session.StepWaitingTitle:
		return textPromptTitle
	case session.StepWaitingChannel:
		return "📺 Choose a channel by number, or send `skip`."
	case session.StepProcessingUpload:
		return textBusy
	case session.StepIdle:
		return textIdle
	}
	return textHelp
}

// escape removes legacy Markdown control characters from user text.
func escape(s string) string {
	return strings.NewReplacer("*", "", "_", "\\_", "`", "'", "[", "(").Replace(s)
}

func escapeCode(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}
