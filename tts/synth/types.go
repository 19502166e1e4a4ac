package synth

// Request carries everything the backend needs to render one segment. The
// same parameters must be used for the trigger and fetch calls so the
// server-side cache is hit.
type Request struct {
	BookID      string
	ChapterID   string
	ParagraphID string
	Text        string
	Model       string
	Voice       string
	Speed       float64
	RoleMode    bool
}

// Model is a synthesis model advertised by the backend.
type Model struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Languages []string `json:"languages"`
}

// Voice is a voice available for a model.
type Voice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Lang   string `json:"lang"`
	Gender string `json:"gender"`
}

// synthesizeBody is the trigger-call request payload.
type synthesizeBody struct {
	BookID      string  `json:"bookId"`
	ChapterID   string  `json:"chapterId"`
	ParagraphID string  `json:"paragraphId"`
	Text        string  `json:"text"`
	Speed       float64 `json:"speed"`
	Model       string  `json:"model"`
	Voice       string  `json:"voice"`
	AutoRole    bool    `json:"autoRole"`
}

// Anchor is the wire form of a paragraph's navigation anchor.
type Anchor struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Paragraph is the wire form of a chapter paragraph as the backend lists it.
type Paragraph struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Order  int    `json:"order"`
	Anchor Anchor `json:"anchor"`
}
