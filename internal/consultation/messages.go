package consultation

// Transcript copy.
const (
	MsgGreeting = "Hello! I'm here to ask you some questions before your doctor's visit to help them prepare. Do you agree to proceed?"

	MsgAgreeUser   = "Yes, I agree."
	MsgDeclineUser = "No, I don't want to continue."
	MsgAskName     = "Great! Let's start with a few basic questions. What is your full name?"
	MsgGoodbye     = "That's okay. Feel free to come back anytime. Have a great day!"

	MsgAskDOB    = "Nice to meet you, %s! What is your date of birth?"
	MsgAskGender = "Thank you. What is your gender?"
	MsgIntroQs   = "Thank you! Now I'll ask you some medical questions to help your doctor."

	MsgQuestionsFailed = "I'm having trouble right now. Please try again in a moment."
	MsgSubmitting      = "Thank you for answering all questions. I'm now submitting your information."
	MsgSubmitted       = "Perfect! Your information has been saved. Your doctor will review it before your appointment."
	MsgSubmitFailed    = "There was an issue saving your information. Please try again."

	MsgSessionRestored = "Your previous session has been restored."

	MsgDOBFuture    = "Please select a date that is not in the future."
	MsgDOBTooOld    = "Please select a date that is not more than %d years ago."
	MsgDOBFormat    = "Please use DD/MM/YYYY format."
	MsgNameTooShort = "Name must be at least %d characters."
	MsgGenderChoice = "Please select a gender."
	MsgAnswerEmpty  = "Please provide an answer."
)
