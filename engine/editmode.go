package engine

// EditMode is the classified intent of a conversation turn. Derived, never
// stored; recomputed every turn from the resolved attachment flags.
type EditMode int

const (
	ModeNone EditMode = iota
	ModeTextEdit
	ModeGarmentSwap
	ModeBackgroundChange
	ModeFullEdit
)

func (m EditMode) String() string {
	switch m {
	case ModeTextEdit:
		return "TEXT_EDIT"
	case ModeGarmentSwap:
		return "GARMENT_SWAP"
	case ModeBackgroundChange:
		return "BACKGROUND_CHANGE"
	case ModeFullEdit:
		return "FULL_EDIT"
	default:
		return "NONE"
	}
}

// editModeTable is the total decision table over
// [hasImproveReference][hasNewGarments][hasNewBackground]. Without an improve
// reference every combination is a fresh generation.
var editModeTable = [2][2][2]EditMode{
	{ // no improve reference
		{ModeNone, ModeNone},
		{ModeNone, ModeNone},
	},
	{ // improve reference present
		{ModeTextEdit, ModeBackgroundChange},
		{ModeGarmentSwap, ModeFullEdit},
	},
}

// ClassifyEditMode maps the three resolution flags to an edit mode with a
// single table lookup.
func ClassifyEditMode(hasImproveReference, hasNewGarments, hasNewBackground bool) EditMode {
	return editModeTable[boolIndex(hasImproveReference)][boolIndex(hasNewGarments)][boolIndex(hasNewBackground)]
}

// RequiresImproveReference reports whether the mode cannot run without a
// pose/identity reference from a previous result.
func (m EditMode) RequiresImproveReference() bool {
	return m == ModeGarmentSwap || m == ModeFullEdit
}

// BackgroundStepAllowed reports whether a second, background compositing call
// may run for this mode. Plain garment swaps intentionally defer background
// work.
func (m EditMode) BackgroundStepAllowed() bool {
	return m == ModeNone || m == ModeBackgroundChange || m == ModeFullEdit
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}
