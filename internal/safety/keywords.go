package safety

var selfHarmPhrases = []string{
	"kill myself", "killing myself", "killed myself",
	"end my life", "ending my life", "end it all",
	"take my own life", "taking my own life",
	"suicide", "suicidal",
	"want to die", "wanna die", "wish i was dead", "wish i were dead",
	"better off dead", "better off without me",
	"no reason to live", "nothing to live for",
	"don't want to live", "dont want to live", "don't want to be alive", "dont want to be alive",
	"hurt myself", "hurting myself", "cut myself", "cutting myself",
	"self harm", "self harming",
}

var violencePhrases = []string{
	"kill him", "kill her", "kill them", "kill you", "kill someone", "kill somebody", "kill everyone",
	"hurt him", "hurt her", "hurt them", "hurt someone", "hurt somebody",
	"shoot him", "shoot her", "shoot them", "shoot up",
	"stab him", "stab her", "stab them",
	"murder him", "murder her", "murder them",
	"bring a gun", "get a gun", "make a bomb",
}

var abusePhrases = []string{
	"abusing me", "abuses me", "abused me", "being abused",
	"hitting me", "hits me", "beating me", "beats me up",
	"molested", "molesting me", "raped", "rape",
	"domestic violence", "afraid to go home", "scared to go home",
	"he hurts me", "she hurts me", "they hurt me",
	"threatens me", "threatening to hurt me",
	"touched me inappropriately",
}

var medicalPhrases = []string{
	"overdose", "overdosed", "took too many pills",
	"can't breathe", "cant breathe", "not breathing", "stopped breathing",
	"chest pain", "heart attack", "having a stroke",
	"seizure", "seizing", "unconscious", "passed out",
	"bleeding heavily", "won't stop bleeding", "wont stop bleeding",
	"allergic reaction",
}

var griefRelations = []string{
	"mom", "mother", "dad", "father", "parents", "husband", "wife", "spouse",
	"son", "daughter", "child", "baby", "brother", "sister",
	"grandma", "grandmother", "grandpa", "grandfather", "friend", "best friend",
	"fiance", "fiancee", "aunt", "uncle", "cousin", "dog", "cat",
}

func griefPhrases() []string {
	out := []string{
		"passed away", "funeral", "grieving", "grief", "mourning",
		"miscarriage", "miscarried", "stillborn", "widowed", "bereaved", "bereavement",
		"lost a loved one",
	}
	for _, r := range griefRelations {
		out = append(out, "lost my "+r, "my "+r+" died", "my "+r+" passed", "death of my "+r)
	}
	return out
}

// figurativeIdioms are hyperbolic phrases that contain crisis vocabulary.
var figurativeIdioms = []string{
	"kill it", "killed it", "killing it",
	"killing me", "kills me", "killed me",
	"dying to", "dying to see", "to die for", "could die", "about to die",
	"i'm dead", "im dead", "i'm so dead", "literally died", "dead tired",
	"bored to death", "scared to death", "worried to death",
	"gave me a heart attack", "give me a heart attack",
	"just shoot me", "murder this", "murdered it",
}

var nonLiteralCues = []string{
	"exam", "exams", "test", "quiz", "finals", "midterm", "homework",
	"presentation", "interview", "audition", "recital", "speech", "performance",
	"game", "match", "tournament", "concert", "show", "workout", "gym", "party",
	"lol", "lmao", "lmfao", "rofl", "haha", "hahaha", "hehe", "jk", "xd",
}

var laughterEmoji = []string{"😂", "🤣", "😅", "😆", "😜", "😎", "🎉", "💪", "🔥", "🙌"}

// casualMarkers in recent history tilt an ambiguous message toward a figurative reading.
var casualMarkers = []string{
	"excited", "so excited", "can't wait", "cant wait", "awesome", "amazing",
	"fun", "yay", "woohoo", "pumped", "hyped", "stoked",
}
