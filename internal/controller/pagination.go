package controller

import (
	"fmt"
	"strings"

	"github.com/UsSubDidIt/Whispry/internal/relay"
	"github.com/UsSubDidIt/Whispry/internal/telegram"
)

// pageSize is how many manage buttons fit on one page of the bot list.
const pageSize = 5

// totalPages reports how many pages n sessions occupy, at least 1 so an
// empty list still has a valid page to clamp to.
func totalPages(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + pageSize - 1) / pageSize
}

// pageSlice cuts the 1-based page out of the snapshot. An out-of-range
// page clamps to the nearest valid one.
func pageSlice(sessions []relay.SessionInfo, page int) ([]relay.SessionInfo, int) {
	last := totalPages(len(sessions))
	if page < 1 {
		page = 1
	}
	if page > last {
		page = last
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > len(sessions) {
		end = len(sessions)
	}
	return sessions[start:end], page
}

// buttonLabel prefers the cached bot username; when a session has none yet
// the numeric bot id from the token still identifies it.
func buttonLabel(info relay.SessionInfo) string {
	if info.Username != "" {
		return "@" + info.Username
	}
	if i := strings.IndexByte(info.Token, ':'); i > 0 {
		return "bot " + info.Token[:i]
	}
	return info.Token
}

// botListKeyboard builds one page of the /mybots list: a manage button per
// session and a navigation row only where neighbours exist.
func botListKeyboard(sessions []relay.SessionInfo, page int) *telegram.InlineKeyboardMarkup {
	visible, page := pageSlice(sessions, page)

	markup := &telegram.InlineKeyboardMarkup{}
	for _, info := range visible {
		markup.InlineKeyboard = append(markup.InlineKeyboard, []telegram.InlineKeyboardButton{{
			Text:         buttonLabel(info),
			CallbackData: "manage:" + info.Token,
		}})
	}

	var nav []telegram.InlineKeyboardButton
	if page > 1 {
		nav = append(nav, telegram.InlineKeyboardButton{
			Text:         "⬅️ Previous",
			CallbackData: fmt.Sprintf("page:%d", page-1),
		})
	}
	if page < totalPages(len(sessions)) {
		nav = append(nav, telegram.InlineKeyboardButton{
			Text:         "➡️ Next",
			CallbackData: fmt.Sprintf("page:%d", page+1),
		})
	}
	if len(nav) > 0 {
		markup.InlineKeyboard = append(markup.InlineKeyboard, nav)
	}
	return markup
}

// manageKeyboard is the per-bot action menu.
func manageKeyboard(token string) *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: "Delete Bot", CallbackData: "delete:" + token}},
		{{Text: "Set /start Message", CallbackData: "set_start:" + token}},
		{{Text: "Set First Reply", CallbackData: "set_first_reply:" + token}},
	}}
}
