package botcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/store"
)

// ttsFamily resolves which vendor family the /voice setting applies to.
func (rt *runtime) ttsFamily() (compat.Family, error) {
	binding, err := rt.st.Model(store.KindTTS)
	if err != nil {
		return "", fmt.Errorf("no tts model bound, set one with /model tts <provider> <model>")
	}
	return rt.resolver.Resolve(binding.Provider, binding.Model), nil
}

func (rt *runtime) handleVoiceCommand(ctx context.Context, chatID int64, args string) {
	fam, err := rt.ttsFamily()
	if err != nil {
		rt.reply(ctx, chatID, err.Error())
		return
	}
	if args == "" {
		cur := rt.st.Voice(fam)
		if cur == "" {
			rt.reply(ctx, chatID, fmt.Sprintf("no voice set for %s, the vendor default applies", fam))
		} else {
			rt.reply(ctx, chatID, fmt.Sprintf("voice for %s: %s", fam, cur))
		}
		return
	}
	rt.st.SetVoice(fam, args)
	rt.reply(ctx, chatID, fmt.Sprintf("voice for %s set to %s", fam, args))
}

func (rt *runtime) handleProviderCommand(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fields = []string{"list"}
	}
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			rt.reply(ctx, chatID, "usage: /provider set <name> <api_key> [base_url]")
			return
		}
		baseURL := ""
		if len(fields) >= 4 {
			baseURL = fields[3]
		}
		if err := rt.st.SetProvider(fields[1], fields[2], baseURL); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return
		}
		rt.reply(ctx, chatID, fmt.Sprintf("provider %s saved", fields[1]))
	case "del":
		if len(fields) < 2 {
			rt.reply(ctx, chatID, "usage: /provider del <name>")
			return
		}
		if rt.st.DeleteProvider(fields[1]) {
			rt.reply(ctx, chatID, fmt.Sprintf("provider %s deleted", fields[1]))
		} else {
			rt.reply(ctx, chatID, fmt.Sprintf("provider %s not found", fields[1]))
		}
	case "list":
		names := rt.st.ProviderNames()
		if len(names) == 0 {
			rt.reply(ctx, chatID, "no providers configured")
			return
		}
		rt.reply(ctx, chatID, "providers:\n"+strings.Join(names, "\n"))
	default:
		rt.reply(ctx, chatID, "usage: /provider set|del|list")
	}
}

func (rt *runtime) handleModelCommand(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		var b strings.Builder
		b.WriteString("model bindings:\n")
		for _, kind := range store.Kinds() {
			binding, err := rt.st.Model(kind)
			if err != nil {
				fmt.Fprintf(&b, "%s: (unbound)\n", kind)
				continue
			}
			fam := rt.resolver.Resolve(binding.Provider, binding.Model)
			fmt.Fprintf(&b, "%s: %s/%s (%s)\n", kind, binding.Provider, binding.Model, fam)
		}
		rt.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
		return
	}
	if len(fields) != 3 {
		rt.reply(ctx, chatID, "usage: /model <kind> <provider> <model>")
		return
	}
	kind := store.Kind(fields[0])
	if err := rt.st.SetModel(kind, fields[1], fields[2]); err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return
	}
	fam := rt.resolver.Resolve(fields[1], fields[2])
	rt.reply(ctx, chatID, fmt.Sprintf("%s bound to %s/%s (%s)", kind, fields[1], fields[2], fam))
}

func (rt *runtime) handlePromptCommand(ctx context.Context, chatID int64, args string) {
	verb, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "set":
		name, content, _ := strings.Cut(rest, " ")
		content = strings.TrimSpace(content)
		if name == "" || content == "" {
			rt.reply(ctx, chatID, "usage: /prompt set <name> <text>")
			return
		}
		if err := rt.st.SetPrompt(name, content, ""); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return
		}
		rt.reply(ctx, chatID, fmt.Sprintf("prompt %s saved", name))
	case "use":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			rt.reply(ctx, chatID, "usage: /prompt use <kind> <name>")
			return
		}
		if err := rt.st.SetActivePrompt(store.Kind(fields[0]), fields[1]); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return
		}
		rt.reply(ctx, chatID, fmt.Sprintf("%s now uses prompt %s", fields[0], fields[1]))
	case "clear":
		if rest == "" {
			rt.reply(ctx, chatID, "usage: /prompt clear <kind>")
			return
		}
		if err := rt.st.SetActivePrompt(store.Kind(rest), ""); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return
		}
		rt.reply(ctx, chatID, fmt.Sprintf("%s prompt cleared", rest))
	case "del":
		if rest == "" {
			rt.reply(ctx, chatID, "usage: /prompt del <name>")
			return
		}
		if rt.st.DeletePrompt(rest) {
			rt.reply(ctx, chatID, fmt.Sprintf("prompt %s deleted", rest))
		} else {
			rt.reply(ctx, chatID, fmt.Sprintf("prompt %s not found", rest))
		}
	case "list", "":
		prompts := rt.st.Prompts()
		if len(prompts) == 0 {
			rt.reply(ctx, chatID, "no prompts stored")
			return
		}
		active := rt.st.ActivePrompts()
		inUse := map[string][]string{}
		for kind, name := range active {
			inUse[name] = append(inUse[name], string(kind))
		}
		var b strings.Builder
		b.WriteString("prompts:\n")
		for _, p := range prompts {
			fmt.Fprintf(&b, "%s", p.Name)
			if kinds := inUse[p.Name]; len(kinds) > 0 {
				fmt.Fprintf(&b, " (active: %s)", strings.Join(kinds, ", "))
			}
			b.WriteString("\n")
		}
		rt.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
	default:
		rt.reply(ctx, chatID, "usage: /prompt set|use|clear|del|list")
	}
}

func (rt *runtime) handleWhitelistCommand(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		fields = []string{"show"}
	}
	switch fields[0] {
	case "mode":
		if len(fields) != 2 {
			rt.reply(ctx, chatID, "usage: /whitelist mode allow|deny")
			return
		}
		if err := rt.st.SetWhitelistMode(store.WhitelistMode(fields[1])); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return
		}
		rt.reply(ctx, chatID, "whitelist mode set to "+fields[1])
	case "allow", "deny":
		if len(fields) != 2 {
			rt.reply(ctx, chatID, fmt.Sprintf("usage: /whitelist %s <user_id>", fields[0]))
			return
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			rt.reply(ctx, chatID, "error: user id must be numeric")
			return
		}
		if fields[0] == "allow" {
			rt.st.Allow(id)
			rt.reply(ctx, chatID, fmt.Sprintf("user %d allowed", id))
		} else {
			rt.st.Deny(id)
			rt.reply(ctx, chatID, fmt.Sprintf("user %d denied", id))
		}
	case "show":
		mode, admins, allowed, denied := rt.st.WhitelistState()
		rt.reply(ctx, chatID, fmt.Sprintf("mode: %s\nadmins: %s\nallowed: %s\ndenied: %s",
			mode, joinIDs(admins), joinIDs(allowed), joinIDs(denied)))
	default:
		rt.reply(ctx, chatID, "usage: /whitelist mode|allow|deny|show")
	}
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
