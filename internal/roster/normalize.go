package roster

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// GroupChatMarker prefixes every supergroup/channel id on the chat platform.
const GroupChatMarker = "-100"

const (
	columnID          = "id"
	columnUsername    = "username"
	columnDisplayName = "display_name"
	columnRole        = "role"
	columnChats       = "chats"
)

var columnAliases = map[string]string{
	"id":           columnID,
	"tg_id":        columnID,
	"user_id":      columnID,
	"username":     columnUsername,
	"display_name": columnDisplayName,
	"display name": columnDisplayName,
	"name":         columnDisplayName,
	"fio":          columnDisplayName,
	"role":         columnRole,
	"chats":        columnChats,
}

var requiredColumns = []string{columnID, columnUsername, columnDisplayName, columnRole}

var truthyCells = map[string]struct{}{
	"1": {}, "x": {}, "+": {}, "y": {}, "yes": {}, "true": {}, "да": {}, "v": {}, "✓": {}, "✔": {},
}

var chatListSplit = regexp.MustCompile(`[,;\s]+`)

type Sheets struct {
	Entitlements [][]string
	Mapping      [][]string
}

type Normalized struct {
	Records []UserRecord
	// Warnings lists rows and columns that were skipped. Row problems wrap
	// ErrRowInvalid.
	Warnings []error
}

// Normalize validates raw sheet grids and turns them into user records.
// Structural problems fail with ErrRosterInvalid; a single bad row is
// reported in Warnings and skipped.
func Normalize(sheets Sheets) (Normalized, error) {
	var out Normalized
	chatsByName, mappingWarnings, err := parseMapping(sheets.Mapping)
	if err != nil {
		return Normalized{}, err
	}
	out.Warnings = append(out.Warnings, mappingWarnings...)

	headerIndex := firstNonEmptyRow(sheets.Entitlements)
	if headerIndex < 0 {
		return Normalized{}, rosterInvalid("entitlements sheet is empty")
	}
	header := sheets.Entitlements[headerIndex]

	columns := map[string]int{}
	chatColumns := map[int]ChatID{}
	for idx, raw := range header {
		name := normalizeHeader(raw)
		if name == "" {
			continue
		}
		if canonical, ok := columnAliases[name]; ok {
			if _, seen := columns[canonical]; !seen {
				columns[canonical] = idx
			}
			continue
		}
		chatID, ok := chatsByName[name]
		if !ok {
			out.Warnings = append(out.Warnings, fmt.Errorf("chat column %q is not in the chat mapping; ignored", strings.TrimSpace(raw)))
			continue
		}
		chatColumns[idx] = chatID
	}
	var missing []string
	for _, column := range requiredColumns {
		if _, ok := columns[column]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return Normalized{}, rosterInvalid("entitlements sheet is missing required columns: %s", strings.Join(missing, ", "))
	}

	seen := map[int64]int{}
	for idx := headerIndex + 1; idx < len(sheets.Entitlements); idx++ {
		row := sheets.Entitlements[idx]
		rowNumber := idx + 1
		rawID := cell(row, columns[columnID])
		if rawID == "" {
			continue
		}
		userID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			out.Warnings = append(out.Warnings, &RowError{Sheet: "entitlements", Row: rowNumber, Reason: fmt.Sprintf("id %q is not an integer", rawID)})
			continue
		}
		if userID <= 0 {
			out.Warnings = append(out.Warnings, &RowError{Sheet: "entitlements", Row: rowNumber, Reason: fmt.Sprintf("id %d is not positive", userID)})
			continue
		}
		if first, dup := seen[userID]; dup {
			out.Warnings = append(out.Warnings, &RowError{Sheet: "entitlements", Row: rowNumber, Reason: fmt.Sprintf("duplicate id %d (first seen on row %d)", userID, first)})
			continue
		}
		seen[userID] = rowNumber

		var chats []ChatID
		for column, chatID := range chatColumns {
			if isTruthy(cell(row, column)) {
				chats = append(chats, chatID)
			}
		}
		if column, ok := columns[columnChats]; ok {
			chats = append(chats, ParseChatIDs(cell(row, column))...)
		}
		out.Records = append(out.Records, UserRecord{
			ID:          userID,
			Username:    strings.TrimPrefix(cell(row, columns[columnUsername]), "@"),
			DisplayName: cell(row, columns[columnDisplayName]),
			Role:        cell(row, columns[columnRole]),
			Chats:       dedupeChats(chats),
		})
	}
	return out, nil
}

func parseMapping(rows [][]string) (map[string]ChatID, []error, error) {
	if firstNonEmptyRow(rows) < 0 {
		return nil, nil, rosterInvalid("chat mapping sheet is empty")
	}
	out := map[string]ChatID{}
	var warnings []error
	headerSkipped := false
	for idx, row := range rows {
		name := cell(row, 0)
		rawID := cell(row, 1)
		if name == "" && rawID == "" {
			continue
		}
		chatID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil && !headerSkipped && len(out) == 0 {
			headerSkipped = true
			continue
		}
		headerSkipped = true
		switch {
		case name == "":
			warnings = append(warnings, &RowError{Sheet: "chats", Row: idx + 1, Reason: "chat name is empty"})
			continue
		case err != nil:
			warnings = append(warnings, &RowError{Sheet: "chats", Row: idx + 1, Reason: fmt.Sprintf("chat id %q is not an integer", rawID)})
			continue
		case !strings.HasPrefix(rawID, GroupChatMarker):
			warnings = append(warnings, &RowError{Sheet: "chats", Row: idx + 1, Reason: fmt.Sprintf("chat id %q lacks the %s group marker", rawID, GroupChatMarker)})
			continue
		}
		key := normalizeHeader(name)
		if _, dup := out[key]; dup {
			warnings = append(warnings, &RowError{Sheet: "chats", Row: idx + 1, Reason: fmt.Sprintf("duplicate chat name %q", name)})
			continue
		}
		out[key] = ChatID(chatID)
	}
	return out, warnings, nil
}

// ParseChatIDs reads a comma or whitespace separated list of numeric chat
// ids. Invalid entries and duplicates are dropped.
func ParseChatIDs(raw string) []ChatID {
	var out []ChatID
	seen := map[ChatID]struct{}{}
	for _, part := range chatListSplit.Split(strings.TrimSpace(raw), -1) {
		if part == "" {
			continue
		}
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		id := ChatID(value)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func dedupeChats(chats []ChatID) []ChatID {
	if len(chats) == 0 {
		return []ChatID{}
	}
	seen := make(map[ChatID]struct{}, len(chats))
	out := make([]ChatID, 0, len(chats))
	for _, id := range chats {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sortChats(out)
	return out
}

func firstNonEmptyRow(rows [][]string) int {
	for idx, row := range rows {
		for _, value := range row {
			if strings.TrimSpace(value) != "" {
				return idx
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func normalizeHeader(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

func isTruthy(value string) bool {
	_, ok := truthyCells[strings.ToLower(strings.TrimSpace(value))]
	return ok
}
