package flow

import (
	"fmt"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// Bot wording. Kept together so it can be localized in one place.
const (
	msgWaitingForPartner = "Thank you! Your partner's turn begins as soon as they send a message here."
	msgClosing           = "You have both reflected on this scene. Thank you for sharing! Send \"start\" whenever you want a new one."
	msgCancelled         = "The session has ended. Send \"start\" to begin again."
	msgSessionExists     = "A session is already running here. Send \"cancel\" to end it first."
	msgNotReady          = "No scenarios are available yet, so a session cannot start. Please ask the operator to add some."
	msgOtherGoesFirst    = "The other participant answers first this time. Your turn will come!"
)

func scenarioText(sc models.Scenario) string {
	return fmt.Sprintf("Here is a scene to think about:\n\n%s\n\nHow does it make you feel?", sc.Text)
}

func introText(s *models.Session) string {
	if p, ok := s.ActiveParticipant(); ok {
		return fmt.Sprintf("Let's reflect on an everyday scene together, one at a time. %s goes first.", p.Name())
	}
	first, _ := s.Participant(models.SlotFirst)
	return fmt.Sprintf("Let's reflect on an everyday scene together, one at a time. The first person other than %s to reply goes first.", first.Name())
}

func handoffText(next models.Participant) string {
	return fmt.Sprintf("Now it is %s's turn with the same scene.", next.Name())
}

func notYourTurnText(active models.Participant) string {
	return fmt.Sprintf("It is %s's turn right now. Yours will come!", active.Name())
}
