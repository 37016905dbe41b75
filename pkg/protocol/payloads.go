package protocol

// ErrorResponse is the structured error reply. Success is omitted for the
// missing-type case and false everywhere else.
type ErrorResponse struct {
	Error   string `json:"error"`
	Success *bool  `json:"success,omitempty"`
}

// Failure builds an ErrorResponse with success:false.
func Failure(msg string) ErrorResponse {
	f := false
	return ErrorResponse{Error: msg, Success: &f}
}

// Ack is the generic success reply.
type Ack struct {
	Success bool `json:"success"`
}

// ReadyCheckResponse answers READY_CHECK.
type ReadyCheckResponse struct {
	Ready     bool   `json:"ready"`
	Component string `json:"component"`
}

// ServiceStatus answers GET_SERVICE_STATUS.
type ServiceStatus struct {
	IsInitialized       bool  `json:"isInitialized"`
	StartTime           int64 `json:"startTime"`
	ErrorCount          int   `json:"errorCount"`
	Uptime              int64 `json:"uptime"`
	HandlerCount        int   `json:"handlerCount"`
	IsUserAuthenticated bool  `json:"isUserAuthenticated"`
}

// User is the signed-in identity as surfaces see it.
type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// AuthState is always a full snapshot, never a delta, because broadcasts
// may arrive out of order after queue retries.
type AuthState struct {
	IsAuthenticated bool  `json:"isAuthenticated"`
	User            *User `json:"user"`
}

// SignIn carries the credentials the popup obtained interactively.
type SignIn struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
}

// ConnectionStatus reports the backend connection health state.
type ConnectionStatus struct {
	State      string `json:"state"`
	ErrorCount int    `json:"errorCount"`
}

// WordClicked is produced by the caption detectors in a tab.
type WordClicked struct {
	Text     string `json:"text"`
	Context  string `json:"context"`
	Platform string `json:"platform,omitempty"`
	VideoID  string `json:"videoId,omitempty"`
}

// WordSelected forwards a caption click to the popup.
type WordSelected struct {
	WordClicked
	TabID TabID `json:"tabId"`
}

// Word is one saved entry in the user's word list.
type Word struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
	Context     string `json:"context,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// SaveWord creates or replaces a word. An empty ID creates a new one.
type SaveWord struct {
	Word Word `json:"word"`
}

// WordSaved answers SAVE_WORD with the stored word, including its assigned ID.
type WordSaved struct {
	Success bool `json:"success"`
	Word    Word `json:"word"`
}

// DeleteWord removes a word by ID.
type DeleteWord struct {
	ID string `json:"id"`
}

// WordsSnapshot answers GET_WORDS and is the WORDS_UPDATED payload.
type WordsSnapshot struct {
	Words []Word `json:"words"`
	Stale bool   `json:"stale,omitempty"`
}

// ChatTurn is one prior exchange in a chat history.
type ChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// GenerateAnswer asks the chat model a question.
type GenerateAnswer struct {
	Prompt  string     `json:"prompt"`
	History []ChatTurn `json:"history,omitempty"`
}

// GenerateAnswerResponse carries the model's reply.
type GenerateAnswerResponse struct {
	Success bool   `json:"success"`
	Answer  string `json:"answer"`
}
